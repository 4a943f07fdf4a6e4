package snode

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// chunkMeta is what the chunk store itself doesn't know about a chunk:
// which file and ordinal it belongs to (§6 list-chunks reports both).
type chunkMeta struct {
	FileID  string `json:"file_id"`
	Ordinal int    `json:"ordinal"`
}

// index is a small JSON-backed sidecar mapping chunk-id to its owning
// file/ordinal, since chunkstore.Store is deliberately content-only
// (§1: "the chunk store only knows content"). Persisted best-effort so a
// restart doesn't lose the association for chunks written before the
// last save.
type index struct {
	mu   sync.Mutex
	path string
	data map[string]chunkMeta
}

func newIndex(dataDir string) *index {
	idx := &index{path: filepath.Join(dataDir, "chunk-index.json"), data: make(map[string]chunkMeta)}
	idx.load()
	return idx
}

func (idx *index) load() {
	raw, err := os.ReadFile(idx.path)
	if err != nil {
		return
	}
	_ = json.Unmarshal(raw, &idx.data)
}

func (idx *index) save() {
	raw, err := json.Marshal(idx.data)
	if err != nil {
		return
	}
	_ = os.WriteFile(idx.path, raw, 0o644)
}

func (idx *index) Put(chunkID, fileID string, ordinal int) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.data[chunkID] = chunkMeta{FileID: fileID, Ordinal: ordinal}
	idx.save()
}

func (idx *index) Get(chunkID string) (chunkMeta, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	m, ok := idx.data[chunkID]
	return m, ok
}

func (idx *index) Delete(chunkID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.data, chunkID)
	idx.save()
}
