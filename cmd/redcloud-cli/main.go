package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/redcloudfiles/redcloud/internal/redcloudclient"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// cliConfig is the interactive client's persisted session state: the
// metadata node it talks to and the bearer token from the last login.
// Mirrors the teacher's config.PeerConfig in spirit (a small YAML file
// under the user's home directory) but scoped to what this thin client
// actually needs.
type cliConfig struct {
	Server string `yaml:"server"`
	Token  string `yaml:"token"`
}

func configPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".redcloud", "cli.yaml"), nil
}

func loadCLIConfig() (*cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &cliConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg cliConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

func saveCLIConfig(cfg *cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, raw, 0o600)
}

var serverFlag string

func clientFromConfig() (*redcloudclient.Client, error) {
	cfg, err := loadCLIConfig()
	if err != nil {
		return nil, err
	}
	server := cfg.Server
	if serverFlag != "" {
		server = serverFlag
	}
	if server == "" {
		return nil, fmt.Errorf("no server configured; run 'redcloud-cli login <server> ...' first or pass --server")
	}
	return redcloudclient.New(server, cfg.Token), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "redcloud-cli",
	Short: "RedCloud Files interactive client",
}

var (
	loginUsername string
	loginPassword string
)

var loginCmd = &cobra.Command{
	Use:   "login <server-url>",
	Short: "Authenticate against a metadata node and store the session token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := redcloudclient.New(args[0], "")
		token, err := client.Login(loginUsername, loginPassword)
		if err != nil {
			return fmt.Errorf("login: %w", err)
		}
		if err := saveCLIConfig(&cliConfig{Server: args[0], Token: token}); err != nil {
			return fmt.Errorf("save session: %w", err)
		}
		fmt.Println("logged in")
		return nil
	},
}

var (
	uploadName string
	uploadTags string
)

var uploadCmd = &cobra.Command{
	Use:   "upload <path>",
	Short: "Upload a local file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := clientFromConfig()
		if err != nil {
			return err
		}

		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open %s: %w", args[0], err)
		}
		defer f.Close()

		name := uploadName
		if name == "" {
			name = filepath.Base(args[0])
		}

		result, err := client.Upload(name, splitTags(uploadTags), f)
		if err != nil {
			return fmt.Errorf("upload: %w", err)
		}
		fmt.Printf("uploaded %s as %s (%d bytes)\n", args[0], result.ID, result.Size)
		return nil
	},
}

var downloadOutput string

var downloadCmd = &cobra.Command{
	Use:   "download <file-id>",
	Short: "Download a file by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := clientFromConfig()
		if err != nil {
			return err
		}

		rc, filename, err := client.Download(args[0])
		if err != nil {
			return fmt.Errorf("download: %w", err)
		}
		defer rc.Close()

		out := downloadOutput
		if out == "" {
			out = filename
		}
		dst, err := os.Create(out)
		if err != nil {
			return fmt.Errorf("create %s: %w", out, err)
		}
		defer dst.Close()

		if _, err := dst.ReadFrom(rc); err != nil {
			return fmt.Errorf("write %s: %w", out, err)
		}
		fmt.Printf("saved to %s\n", out)
		return nil
	},
}

var lsTag string

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List files, optionally filtered by tag",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := clientFromConfig()
		if err != nil {
			return err
		}
		files, err := client.List(lsTag)
		if err != nil {
			return fmt.Errorf("list: %w", err)
		}
		for _, f := range files {
			fmt.Printf("%s\t%s\t%d\t%s\n", f.ID, f.DisplayName, f.Size, f.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <file-id>",
	Short: "Delete a file by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := clientFromConfig()
		if err != nil {
			return err
		}
		if err := client.Delete(args[0]); err != nil {
			return fmt.Errorf("delete: %w", err)
		}
		fmt.Println("deleted")
		return nil
	},
}

var tagCmd = &cobra.Command{
	Use:   "tag",
	Short: "Add or remove a tag on a file",
}

var tagAddCmd = &cobra.Command{
	Use:   "add <file-id> <tag>",
	Short: "Add a tag to a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := clientFromConfig()
		if err != nil {
			return err
		}
		tags, err := client.AddTag(args[0], args[1])
		if err != nil {
			return fmt.Errorf("add tag: %w", err)
		}
		fmt.Println(strings.Join(tags, ","))
		return nil
	},
}

var tagRmCmd = &cobra.Command{
	Use:   "rm <file-id> <tag>",
	Short: "Remove a tag from a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := clientFromConfig()
		if err != nil {
			return err
		}
		tags, err := client.RemoveTag(args[0], args[1])
		if err != nil {
			return fmt.Errorf("remove tag: %w", err)
		}
		fmt.Println(strings.Join(tags, ","))
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(Version)
	},
}

func splitTags(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", "", "metadata node base URL (overrides stored config)")

	loginCmd.Flags().StringVar(&loginUsername, "username", "", "account username")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "account password")
	_ = loginCmd.MarkFlagRequired("username")
	_ = loginCmd.MarkFlagRequired("password")

	uploadCmd.Flags().StringVar(&uploadName, "name", "", "stored file name (defaults to the local file name)")
	uploadCmd.Flags().StringVar(&uploadTags, "tags", "", "comma-separated tags to apply on upload")

	downloadCmd.Flags().StringVar(&downloadOutput, "output", "", "output path (defaults to the server-reported file name)")

	lsCmd.Flags().StringVar(&lsTag, "tag", "", "filter by tag")

	tagCmd.AddCommand(tagAddCmd, tagRmCmd)

	rootCmd.AddCommand(loginCmd, uploadCmd, downloadCmd, lsCmd, rmCmd, tagCmd, versionCmd)
}
