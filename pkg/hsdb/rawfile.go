package hsdb

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/cirlog/modulo/pkg/log"
)

// Mode selects the engine's persistence strategy at construction time
type Mode int

const (
	// ModeInMemory keeps all state in the indices and performs no disk I/O
	ModeInMemory Mode = iota
	// ModePersistent mirrors every committed entity to the raw-file tree
	// and the redundancy mirror
	ModePersistent
)

func (m Mode) String() string {
	if m == ModePersistent {
		return "persistent"
	}
	return "in-memory"
}

// layoutDirs is the fixed directory tree under <root>/hsdb
var layoutDirs = []string{
	"index",
	"rawfiles",
	"backups/index",
	"backups/migration",
	"backups/rawfiles",
	"exports",
	"logs/migrations",
	"meta",
	"models/adapters",
	"rejectpile/index",
	"rejectpile/rawfiles",
	"dumps/migrations",
	"redundancy",
}

// RawFileHandler mirrors entities to one JSON file each under
// <root>/hsdb/index/<model-plural>/<id>.json. In in-memory mode every
// operation short-circuits but still reports the path that would have been
// written.
type RawFileHandler struct {
	root string
	mode Mode
	log  zerolog.Logger
}

// NewRawFileHandler creates a handler rooted at <root>/hsdb, creating any
// missing layout directory when persistent.
func NewRawFileHandler(root string, mode Mode) (*RawFileHandler, error) {
	h := &RawFileHandler{
		root: filepath.Join(root, "hsdb"),
		mode: mode,
		log:  log.WithComponent("rawfile"),
	}
	if mode == ModePersistent {
		for _, dir := range layoutDirs {
			if err := os.MkdirAll(filepath.Join(h.root, dir), 0755); err != nil {
				return nil, fmt.Errorf("failed to create layout directory %s: %w", dir, err)
			}
		}
	}
	return h, nil
}

// Root returns the handler's hsdb root directory
func (h *RawFileHandler) Root() string {
	return h.root
}

// EntryPath returns the entity file path for a plural model name and id
func (h *RawFileHandler) EntryPath(plural, id string) string {
	return filepath.Join(h.root, "index", plural, id+".json")
}

// CreateEntry writes a new entity document and returns its path
func (h *RawFileHandler) CreateEntry(plural, id string, doc []byte) (string, error) {
	path := h.EntryPath(plural, id)
	if h.mode == ModeInMemory {
		return path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return path, &PersistenceError{Op: "create", Path: path, Err: err}
	}
	if err := os.WriteFile(path, doc, 0644); err != nil {
		return path, &PersistenceError{Op: "create", Path: path, Err: err}
	}
	return path, nil
}

// UpdateEntry rewrites an entity document atomically: the current file is
// snapshotted to backups/index first, then the new document is written to a
// temp file and renamed into place. Last write wins.
func (h *RawFileHandler) UpdateEntry(plural, id string, doc []byte) (string, error) {
	path := h.EntryPath(plural, id)
	if h.mode == ModeInMemory {
		return path, nil
	}

	h.snapshotEntry(plural, id, path)

	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return path, &PersistenceError{Op: "update", Path: path, Err: err}
	}
	if err := os.WriteFile(tmp, doc, 0644); err != nil {
		return path, &PersistenceError{Op: "update", Path: path, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return path, &PersistenceError{Op: "update", Path: path, Err: err}
	}
	return path, nil
}

// DeleteEntry removes an entity document, snapshotting it first
func (h *RawFileHandler) DeleteEntry(plural, id string) (string, error) {
	path := h.EntryPath(plural, id)
	if h.mode == ModeInMemory {
		return path, nil
	}

	h.snapshotEntry(plural, id, path)

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return path, &PersistenceError{Op: "delete", Path: path, Err: err}
	}
	return path, nil
}

// RestoreEntry copies the snapshot taken before the last destructive
// operation back over the entity document. Used by compensating rollbacks;
// a missing snapshot is an error here, unlike when it was taken.
func (h *RawFileHandler) RestoreEntry(plural, id string) (string, error) {
	path := h.EntryPath(plural, id)
	if h.mode == ModeInMemory {
		return path, nil
	}
	backupPath := filepath.Join(h.root, "backups", "index", plural, id+".json")
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return path, &PersistenceError{Op: "restore", Path: backupPath, Err: err}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return path, &PersistenceError{Op: "restore", Path: path, Err: err}
	}
	return path, nil
}

// ReadEntry loads an entity document from disk
func (h *RawFileHandler) ReadEntry(plural, id string) ([]byte, error) {
	path := h.EntryPath(plural, id)
	if h.mode == ModeInMemory {
		return nil, &PersistenceError{Op: "read", Path: path, Err: os.ErrNotExist}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &PersistenceError{Op: "read", Path: path, Err: err}
	}
	return data, nil
}

// Reject records an input document that failed validation on ingest
func (h *RawFileHandler) Reject(model, id string, doc []byte) {
	if h.mode == ModeInMemory {
		return
	}
	path := filepath.Join(h.root, "rejectpile", "index", fmt.Sprintf("%s-%s.json", model, id))
	if err := os.WriteFile(path, doc, 0644); err != nil {
		h.log.Warn().Err(err).Str("path", path).Msg("failed to record rejected document")
	}
}

// WriteMeta stores a document under meta/ (model manifests)
func (h *RawFileHandler) WriteMeta(name string, doc []byte) error {
	if h.mode == ModeInMemory {
		return nil
	}
	path := filepath.Join(h.root, "meta", name)
	if err := os.WriteFile(path, doc, 0644); err != nil {
		return &PersistenceError{Op: "meta", Path: path, Err: err}
	}
	return nil
}

// WriteAdapter stores a schema snapshot under models/adapters/
func (h *RawFileHandler) WriteAdapter(name string, doc []byte) error {
	if h.mode == ModeInMemory {
		return nil
	}
	path := filepath.Join(h.root, "models", "adapters", name)
	if err := os.WriteFile(path, doc, 0644); err != nil {
		return &PersistenceError{Op: "adapter", Path: path, Err: err}
	}
	return nil
}

// ExportPath returns a file path under exports/
func (h *RawFileHandler) ExportPath(name string) string {
	return filepath.Join(h.root, "exports", name)
}

// DumpPath returns a file path under dumps/
func (h *RawFileHandler) DumpPath(name string) string {
	return filepath.Join(h.root, "dumps", name)
}

// MirrorPath returns the redundancy mirror's database path
func (h *RawFileHandler) MirrorPath() string {
	return filepath.Join(h.root, "redundancy", "mirror.db")
}

// LockPath returns the advisory lock path for the tree
func (h *RawFileHandler) LockPath() string {
	return filepath.Join(h.root, "hsdb.lock")
}

// snapshotEntry copies the current document into backups/index before a
// destructive operation. Best effort: a missing source is not an error.
func (h *RawFileHandler) snapshotEntry(plural, id, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	backupDir := filepath.Join(h.root, "backups", "index", plural)
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		h.log.Warn().Err(err).Msg("failed to create backup directory")
		return
	}
	backupPath := filepath.Join(backupDir, id+".json")
	if err := os.WriteFile(backupPath, data, 0644); err != nil {
		h.log.Warn().Err(err).Str("path", backupPath).Msg("failed to snapshot entry")
	}
}
