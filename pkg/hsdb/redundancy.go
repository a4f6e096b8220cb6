package hsdb

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// Mirror is the redundancy store: a single bbolt database under
// <root>/hsdb/redundancy that keeps one bucket per model with the same JSON
// documents as the raw-file tree. It exists so a damaged index tree can be
// re-seeded from one file.
type Mirror struct {
	db *bolt.DB
}

// OpenMirror opens (or creates) the redundancy database
func OpenMirror(path string) (*Mirror, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open redundancy mirror: %w", err)
	}
	return &Mirror{db: db}, nil
}

// Close closes the database
func (m *Mirror) Close() error {
	return m.db.Close()
}

// Put upserts an entity document under its model bucket
func (m *Mirror) Put(model, id string, doc []byte) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(model))
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", model, err)
		}
		return b.Put([]byte(id), doc)
	})
}

// Delete removes an entity document from its model bucket
func (m *Mirror) Delete(model, id string) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(model))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(id))
	})
}

// ForEach visits every document stored under the model bucket
func (m *Mirror) ForEach(model string, fn func(id string, doc []byte) error) error {
	return m.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(model))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			// Copy out: BoltDB data is only valid during the transaction.
			doc := make([]byte, len(v))
			copy(doc, v)
			return fn(string(k), doc)
		})
	})
}

// Count returns the number of documents under the model bucket
func (m *Mirror) Count(model string) (int, error) {
	var n int
	err := m.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(model))
		if b == nil {
			return nil
		}
		n = b.Stats().KeyN
		return nil
	})
	return n, err
}
