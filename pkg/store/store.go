// Package store persists the last merged render tree of each view, so a
// client can repaint the previous markup immediately on startup while the
// join round trip is still in flight.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/livetree/livetree/pkg/rtree"
)

// ErrNoSnapshot is returned by Snapshot when no tree is stored for the view.
var ErrNoSnapshot = errors.New("no snapshot for view")

const bucketSnapshot = "snapshot"

// Store is the interface satisfied by the snapshot storage.
type Store interface {
	// SaveSnapshot stores the tree as the latest snapshot for the view.
	SaveSnapshot(viewID string, tree rtree.Node) error
	// Snapshot returns the stored tree for the view, or ErrNoSnapshot.
	Snapshot(viewID string) (rtree.Node, error)
	// DelSnapshot removes the stored tree for the view, if any.
	DelSnapshot(viewID string) error
	Close() error
}

type dbStore struct {
	db *bolt.DB
}

// NewStore opens the snapshot database at the given path, creating it if
// needed.
func NewStore(path string) (Store, error) {
	db, err := bolt.Open(path, 0644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketSnapshot))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize snapshot db: %w", err)
	}
	return &dbStore{db}, nil
}

func (s *dbStore) SaveSnapshot(viewID string, tree rtree.Node) error {
	data, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketSnapshot)).Put([]byte(viewID), data)
	})
}

func (s *dbStore) Snapshot(viewID string) (rtree.Node, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketSnapshot)).Get([]byte(viewID))
		if v != nil {
			data = append(data, v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrNoSnapshot
	}
	return rtree.ParseDiff(data)
}

func (s *dbStore) DelSnapshot(viewID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketSnapshot)).Delete([]byte(viewID))
	})
}

func (s *dbStore) Close() error {
	return s.db.Close()
}
