package session

import (
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Persister stores conversation handles outside the process.
type Persister interface {
	Load() (map[string]string, error)
	Save(key, handle string) error
	Delete(key string) error
	Close() error
}

var conversationsBucket = []byte("conversations")

// BoltPersister keeps handles in a single BoltDB bucket keyed by chat identity.
type BoltPersister struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the database at path.
func OpenBolt(path string) (*BoltPersister, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(conversationsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltPersister{db: db}, nil
}

func (p *BoltPersister) Load() (map[string]string, error) {
	out := map[string]string{}
	err := p.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(conversationsBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if len(v) > 0 {
				out[string(k)] = string(v)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *BoltPersister) Save(key, handle string) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).Put([]byte(key), []byte(handle))
	})
}

func (p *BoltPersister) Delete(key string) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).Delete([]byte(key))
	})
}

func (p *BoltPersister) Close() error {
	return p.db.Close()
}
