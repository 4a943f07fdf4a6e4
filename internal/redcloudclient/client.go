// Package redcloudclient is a small HTTP client for the clientapi surface
// described in §10.6, grounded on the teacher's internal/coord.Client:
// same baseURL+bearer-token shape, same doRequest/parseError split.
package redcloudclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to a metadata node's clientapi HTTP+JSON surface.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a client for the metadata node at baseURL. token may be
// empty until Login populates it via SetToken.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// SetToken updates the bearer token used for subsequent requests.
func (c *Client) SetToken(token string) {
	c.token = token
}

// FileSummary mirrors clientapi's list-response entry shape.
type FileSummary struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

// UploadResult mirrors clientapi's upload-response body.
type UploadResult struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name"`
	Size        int64    `json:"size"`
	Tags        []string `json:"tags"`
}

// Login exchanges credentials for a bearer token and stores it on the
// client for subsequent calls.
func (c *Client) Login(username, password string) (string, error) {
	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return "", fmt.Errorf("marshal login request: %w", err)
	}

	resp, err := c.doRequest(http.MethodPost, "/v1/auth/login", nil, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", c.parseError(resp)
	}

	var result struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode login response: %w", err)
	}
	c.token = result.Token
	return result.Token, nil
}

// Upload streams body to the server as a new file named name, optionally
// tagged with tags.
func (c *Client) Upload(name string, tags []string, body io.Reader) (*UploadResult, error) {
	q := url.Values{}
	q.Set("name", name)
	if len(tags) > 0 {
		q.Set("tags", strings.Join(tags, ","))
	}

	resp, err := c.doRequest(http.MethodPost, "/v1/files?"+q.Encode(), nil, body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		return nil, c.parseError(resp)
	}

	var result UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	return &result, nil
}

// List returns the caller's files, optionally filtered to a single tag.
func (c *Client) List(tag string) ([]FileSummary, error) {
	path := "/v1/files"
	if tag != "" {
		path += "?tag=" + url.QueryEscape(tag)
	}

	resp, err := c.doRequest(http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var result []FileSummary
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode list response: %w", err)
	}
	return result, nil
}

// Download fetches a file's content. The caller must close the returned
// reader. filename is taken from the Content-Disposition header.
func (c *Client) Download(fileID string) (rc io.ReadCloser, filename string, err error) {
	resp, err := c.doRequest(http.MethodGet, "/v1/files/"+url.PathEscape(fileID), nil, nil)
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, "", c.parseError(resp)
	}

	filename = fileID
	if _, params, err := parseContentDisposition(resp.Header.Get("Content-Disposition")); err == nil {
		if name, ok := params["filename"]; ok {
			filename = name
		}
	}
	return resp.Body, filename, nil
}

// AddTag adds tag to fileID's tag set and returns the resulting tags.
func (c *Client) AddTag(fileID, tag string) ([]string, error) {
	body, err := json.Marshal(map[string]string{"tag": tag})
	if err != nil {
		return nil, fmt.Errorf("marshal tag request: %w", err)
	}
	resp, err := c.doRequest(http.MethodPost, "/v1/files/"+url.PathEscape(fileID)+"/tags", nil, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}
	return decodeTags(resp.Body)
}

// RemoveTag removes tag from fileID's tag set and returns the resulting
// tags.
func (c *Client) RemoveTag(fileID, tag string) ([]string, error) {
	resp, err := c.doRequest(http.MethodDelete, "/v1/files/"+url.PathEscape(fileID)+"/tags/"+url.PathEscape(tag), nil, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}
	return decodeTags(resp.Body)
}

func decodeTags(r io.Reader) ([]string, error) {
	var result struct {
		Tags []string `json:"tags"`
	}
	if err := json.NewDecoder(r).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode tags response: %w", err)
	}
	return result.Tags, nil
}

// Delete removes a file by id.
func (c *Client) Delete(fileID string) error {
	resp, err := c.doRequest(http.MethodDelete, "/v1/files/"+url.PathEscape(fileID), nil, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNoContent {
		return c.parseError(resp)
	}
	return nil
}

func (c *Client) doRequest(method, path string, headers map[string]string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.http.Do(req)
}

func (c *Client) parseError(resp *http.Response) error {
	raw, _ := io.ReadAll(resp.Body)
	var errResp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &errResp); err == nil && errResp.Error != "" {
		return fmt.Errorf("%s (status %d)", errResp.Error, resp.StatusCode)
	}
	return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(raw))
}

// parseContentDisposition is a minimal parser covering the
// `attachment; filename="..."` form clientapi emits.
func parseContentDisposition(header string) (string, map[string]string, error) {
	parts := strings.Split(header, ";")
	if len(parts) == 0 {
		return "", nil, fmt.Errorf("empty content-disposition header")
	}
	disposition := strings.TrimSpace(parts[0])
	params := make(map[string]string)
	for _, part := range parts[1:] {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		params[strings.ToLower(strings.TrimSpace(kv[0]))] = strings.Trim(strings.TrimSpace(kv[1]), `"`)
	}
	return disposition, params, nil
}
