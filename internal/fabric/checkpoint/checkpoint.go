// Package checkpoint persists the identity of whatever fabric topology is
// currently live, keyed by session, and drops it once that session is torn
// down. Nothing in this repository reads the records back to tear down a
// namespace/bridge/veth set left behind by a crashed controller; the only
// reader is the metrics Collector, which counts them. It is explicitly not
// used for rule persistence: the rule set always comes fresh from a config
// file or a reload push.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/tproxy/internal/errs"
)

var bucketSessions = []byte("fabric_sessions")

// Record is everything Teardown needs to reconstruct a NetEnv's interface
// names without re-deriving them, plus enough metadata to explain an
// orphaned session in logs.
type Record struct {
	SessionID  string   `json:"session_id"`
	Namespace  string   `json:"namespace"`
	Device     string   `json:"device"`
	IP         string   `json:"ip"`
	BridgeHost string   `json:"bridge_host"`
	BridgeNS   string   `json:"bridge_ns"`
	ProxyPorts []uint16 `json:"proxy_ports"`
	PID        int      `json:"pid"`
}

// Store is a small bbolt-backed table keyed by session ID. One controller
// process holds at most one live record at a time in practice, but the
// schema allows more so a future multi-session controller doesn't need a
// migration.
type Store struct {
	db *bolt.DB
}

// Open creates (or reuses) the checkpoint database under dataDir.
func Open(dataDir string) (*Store, error) {
	path := filepath.Join(dataDir, "fabric_checkpoint.db")
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open checkpoint db %s: %w", errs.Fabric, path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSessions)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create checkpoint bucket: %w", errs.Fabric, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes or overwrites rec, keyed by rec.SessionID.
func (s *Store) Save(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: marshal checkpoint record: %w", errs.Internal, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Put([]byte(rec.SessionID), data)
	})
}

// Delete removes a session's record once its fabric has been torn down
// cleanly.
func (s *Store) Delete(sessionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(sessionID))
	})
}

// List returns every checkpointed session, including any left behind by a
// prior crashed run.
func (s *Store) List() ([]Record, error) {
	var records []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list checkpoint records: %w", errs.Fabric, err)
	}
	return records, nil
}
