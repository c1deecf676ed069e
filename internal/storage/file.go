package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileBackend stores documents as JSON files under a root directory,
// one directory per agent: <root>/agents/<agentID>/<doc>.json.
//
// Writes go to a temporary file in the same directory followed by a rename,
// so readers never observe a partially written document.
type FileBackend struct {
	root string
}

// NewFileBackend creates a file-backed store rooted at dir.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(filepath.Join(dir, "agents"), 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &FileBackend{root: dir}, nil
}

func (b *FileBackend) agentDir(agentID string) string {
	return filepath.Join(b.root, "agents", agentID)
}

func (b *FileBackend) docPath(agentID, doc string) string {
	return filepath.Join(b.agentDir(agentID), filepath.FromSlash(doc)+".json")
}

// validSegment rejects path elements that could escape the agent directory.
// Agent IDs and document names reach this backend straight from URL path
// values, so "..", separators, and empty segments are attacker-reachable.
func validSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}

func checkAgentID(agentID string) error {
	if !validSegment(agentID) {
		return fmt.Errorf("%w: agent id %q", ErrInvalidName, agentID)
	}
	return nil
}

func checkDocName(doc string) error {
	for _, part := range strings.Split(doc, "/") {
		if !validSegment(part) {
			return fmt.Errorf("%w: document %q", ErrInvalidName, doc)
		}
	}
	return nil
}

// Read returns the raw document, or ErrNotExist.
func (b *FileBackend) Read(_ context.Context, agentID, doc string) ([]byte, error) {
	if err := checkAgentID(agentID); err != nil {
		return nil, err
	}
	if err := checkDocName(doc); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(b.docPath(agentID, doc))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("read %s/%s: %w", agentID, doc, err)
	}
	return data, nil
}

// Write stores the document atomically via a temp file and rename.
func (b *FileBackend) Write(_ context.Context, agentID, doc string, data []byte) error {
	if err := checkAgentID(agentID); err != nil {
		return err
	}
	if err := checkDocName(doc); err != nil {
		return err
	}

	path := b.docPath(agentID, doc)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create agent dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s/%s: %w", agentID, doc, err)
	}
	return nil
}

// Delete removes the document if it exists.
func (b *FileBackend) Delete(_ context.Context, agentID, doc string) error {
	if err := checkAgentID(agentID); err != nil {
		return err
	}
	if err := checkDocName(doc); err != nil {
		return err
	}

	err := os.Remove(b.docPath(agentID, doc))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete %s/%s: %w", agentID, doc, err)
	}
	return nil
}

// List returns document names under the given prefix for an agent.
func (b *FileBackend) List(_ context.Context, agentID, prefix string) ([]string, error) {
	if err := checkAgentID(agentID); err != nil {
		return nil, err
	}

	dir := b.agentDir(agentID)
	if prefix != "" {
		if err := checkDocName(strings.TrimSuffix(prefix, "/")); err != nil {
			return nil, err
		}
		dir = filepath.Join(dir, filepath.FromSlash(strings.TrimSuffix(prefix, "/")))
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s/%s: %w", agentID, prefix, err)
	}

	var docs []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		docs = append(docs, prefix+strings.TrimSuffix(name, ".json"))
	}
	return docs, nil
}

// Agents returns the IDs of all agents with a directory on disk.
func (b *FileBackend) Agents(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(b.root, "agents"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list agents: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// DeleteAgent removes the agent's directory and everything in it.
func (b *FileBackend) DeleteAgent(_ context.Context, agentID string) error {
	if err := checkAgentID(agentID); err != nil {
		return err
	}

	if err := os.RemoveAll(b.agentDir(agentID)); err != nil {
		return fmt.Errorf("delete agent %s: %w", agentID, err)
	}
	return nil
}
