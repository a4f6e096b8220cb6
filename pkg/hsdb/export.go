package hsdb

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cirlog/modulo/pkg/events"
	"github.com/cirlog/modulo/pkg/schema"
	"github.com/cirlog/modulo/pkg/types"
)

// Export streams the full entity set as a single JSON document, one array
// per model, keys in canonical field order.
func (e *Engine) Export(w io.Writer) error {
	var buf bytes.Buffer
	buf.WriteByte('{')

	models := e.registry.Models()
	for mi, model := range models {
		table, err := e.registry.Describe(model)
		if err != nil {
			return err
		}
		if mi > 0 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(&buf, "%q:[", table.Plural)

		ids := e.models.IDs(table.Model)
		for i, id := range ids {
			entity, err := e.Get(id)
			if err != nil {
				return err
			}
			doc, err := e.registry.MarshalEntity(entity.Model, entity.ID, entity.Fields, schema.SerializeOptions{IncludeRelations: true})
			if err != nil {
				return err
			}
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.Write(doc)
		}
		buf.WriteByte(']')
	}
	buf.WriteByte('}')

	_, err := w.Write(buf.Bytes())
	return err
}

// ExportToFile writes an Export snapshot under <root>/hsdb/exports and
// returns its path. Persistent mode only.
func (e *Engine) ExportToFile() (string, error) {
	if e.mode != ModePersistent {
		return "", fmt.Errorf("export requires persistent mode")
	}
	path := e.files.ExportPath(fmt.Sprintf("export-%s.json", time.Now().UTC().Format("20060102T150405Z")))
	f, err := os.Create(path)
	if err != nil {
		return "", &PersistenceError{Op: "export", Path: path, Err: err}
	}
	defer f.Close()

	if err := e.Export(f); err != nil {
		return "", &PersistenceError{Op: "export", Path: path, Err: err}
	}
	e.logger.Info().Str("path", path).Msg("export written")
	return path, nil
}

// Dump writes one JSON array per model under <root>/hsdb/dumps and returns
// the written paths. Persistent mode only.
func (e *Engine) Dump() ([]string, error) {
	if e.mode != ModePersistent {
		return nil, fmt.Errorf("dump requires persistent mode")
	}

	stamp := time.Now().UTC().Format("20060102T150405Z")
	var paths []string
	for _, model := range e.registry.Models() {
		table, err := e.registry.Describe(model)
		if err != nil {
			return paths, err
		}

		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, id := range e.models.IDs(table.Model) {
			entity, err := e.Get(id)
			if err != nil {
				return paths, err
			}
			doc, err := e.registry.MarshalEntity(entity.Model, entity.ID, entity.Fields, schema.SerializeOptions{IncludeRelations: true})
			if err != nil {
				return paths, err
			}
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.Write(doc)
		}
		buf.WriteByte(']')

		path := e.files.DumpPath(fmt.Sprintf("%s-%s.json", table.Plural, stamp))
		if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
			return paths, &PersistenceError{Op: "dump", Path: path, Err: err}
		}
		paths = append(paths, path)
	}
	e.logger.Info().Int("models", len(paths)).Msg("dump written")
	return paths, nil
}

// RecoverFromMirror re-seeds the indices and the raw-file tree from the
// redundancy mirror. It is meant for a fresh engine whose index tree was
// lost or damaged; entities already resident are skipped. A successful pass
// lifts quarantine.
func (e *Engine) RecoverFromMirror() (int, error) {
	if e.mode != ModePersistent {
		return 0, fmt.Errorf("recovery requires persistent mode")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	recovered := 0
	for _, model := range e.registry.Models() {
		table, err := e.registry.Describe(model)
		if err != nil {
			return recovered, err
		}
		err = e.mirror.ForEach(model, func(id string, doc []byte) error {
			if _, exists := e.owners[id]; exists {
				return nil
			}
			_, record, err := e.registry.UnmarshalEntity(model, doc)
			if err != nil {
				e.logger.Warn().Err(err).Str("id", id).Str("model", model).Msg("skipping unreadable mirror document")
				return nil
			}
			entity := &types.Entity{ID: id, Model: model, Fields: record}
			if err := e.insertIndexes(table, entity); err != nil {
				return err
			}
			if _, err := e.files.UpdateEntry(table.Plural, id, doc); err != nil {
				return err
			}
			recovered++
			return nil
		})
		if err != nil {
			return recovered, fmt.Errorf("failed to recover model %s: %w", model, err)
		}
	}

	if e.quarantined {
		e.quarantined = false
		e.logger.Info().Msg("quarantine lifted after recovery")
		if e.broker != nil {
			e.broker.Publish(&events.Event{Type: events.EventEngineRecovered})
		}
	}
	e.logger.Info().Int("entities", recovered).Msg("mirror recovery complete")
	return recovered, nil
}
