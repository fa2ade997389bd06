// Package checkpoint provides a local, embedded store for aggregation
// checkpoint blobs when no distributed landscape backend is configured —
// the path `elspeth run --dry-run` takes. Adapted from db/bolt's bbolt
// wrapper. The landscape Recorder's own `checkpoints` audit row (via
// RecordCheckpoint/GetCheckpoint) remains the durable record of truth when
// a real backend is wired; this store exists so a dry run still survives a
// restart without one.
package checkpoint

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const bucketName = "aggregation_checkpoints"

// Store is a bbolt-backed key-value store keyed by "runID|nodeID", holding
// the raw JSON produced by aggregation.Executor.CheckpointState.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the bbolt file at path and ensures the checkpoint
// bucket exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying file.
func (s *Store) Close() error { return s.db.Close() }

func key(runID, nodeID string) []byte {
	return []byte(runID + "|" + nodeID)
}

// Put persists the raw checkpoint JSON for one node in a run.
func (s *Store) Put(runID, nodeID string, stateJSON []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		return b.Put(key(runID, nodeID), stateJSON)
	})
}

// Get retrieves the raw checkpoint JSON, or (nil, false) if none exists.
func (s *Store) Get(runID, nodeID string) ([]byte, bool, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		v := b.Get(key(runID, nodeID))
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("checkpoint: get %s/%s: %w", runID, nodeID, err)
	}
	return data, data != nil, nil
}

// Delete removes a node's checkpoint after a successful flush clears its
// buffer.
func (s *Store) Delete(runID, nodeID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		return b.Delete(key(runID, nodeID))
	})
}

// ListRun returns every node ID with a persisted checkpoint for runID, used
// to restore all aggregation buffers on resume.
func (s *Store) ListRun(runID string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	prefix := []byte(runID + "|")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketName)).Cursor()
		for k, v := c.Seek(prefix); k != nil; k, v = c.Next() {
			if len(k) < len(prefix) || string(k[:len(prefix)]) != string(prefix) {
				break
			}
			nodeID := string(k[len(prefix):])
			out[nodeID] = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list run %s: %w", runID, err)
	}
	return out, nil
}
