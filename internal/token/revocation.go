package token

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RevocationStore is the node-local set of revoked token ids,
// persisted so revocations survive restarts. Gossip keeps the sets
// loosely converged across the mesh; verification only ever consults
// the local copy.
type RevocationStore struct {
	mu      sync.RWMutex
	path    string
	revoked map[string]int64 // token id -> revoked at, unix seconds
}

type revocationFile struct {
	Revoked map[string]int64 `json:"revoked"`
}

// NewRevocationStore loads (or initializes) the store at path.
func NewRevocationStore(path string) (*RevocationStore, error) {
	rs := &RevocationStore{path: path, revoked: make(map[string]int64)}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return rs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read revocation store: %w", err)
	}
	var f revocationFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse revocation store %s: %w", path, err)
	}
	if f.Revoked != nil {
		rs.revoked = f.Revoked
	}
	return rs, nil
}

// Revoke records a token id. Returns false when it was already known,
// so callers can skip re-gossiping.
func (rs *RevocationStore) Revoke(tokenID string) (bool, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if _, ok := rs.revoked[tokenID]; ok {
		return false, nil
	}
	rs.revoked[tokenID] = time.Now().Unix()
	return true, rs.persistLocked()
}

// Contains reports whether the token id is revoked.
func (rs *RevocationStore) Contains(tokenID string) bool {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	_, ok := rs.revoked[tokenID]
	return ok
}

// List returns revoked ids, unordered.
func (rs *RevocationStore) List() []string {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make([]string, 0, len(rs.revoked))
	for id := range rs.revoked {
		out = append(out, id)
	}
	return out
}

// Len returns the number of revoked tokens.
func (rs *RevocationStore) Len() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.revoked)
}

func (rs *RevocationStore) persistLocked() error {
	if rs.path == "" {
		return nil
	}
	b, err := json.MarshalIndent(revocationFile{Revoked: rs.revoked}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode revocation store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(rs.path), 0o700); err != nil {
		return fmt.Errorf("create token directory: %w", err)
	}
	tmp := rs.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write revocation store: %w", err)
	}
	return os.Rename(tmp, rs.path)
}
