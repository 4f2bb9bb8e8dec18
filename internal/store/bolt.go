package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketAccessories = []byte("accessories")
	bucketState       = []byte("state")
)

// BoltStore implements Store using BoltDB. Accessory state lives in one
// nested bucket per accessory below "state".
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketAccessories, bucketState} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveAccessory(rec *AccessoryRecord) error {
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	return s.db.Update(func(tx *bolt.Tx) error {
		return putRecord(tx, rec)
	})
}

func putRecord(tx *bolt.Tx, rec *AccessoryRecord) error {
	b := tx.Bucket(bucketAccessories)
	if b == nil {
		return fmt.Errorf("bucket %q not found", bucketAccessories)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put([]byte(rec.Address), data)
}

func (s *BoltStore) GetAccessory(address string) (*AccessoryRecord, error) {
	var rec AccessoryRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAccessories)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketAccessories)
		}
		data := b.Get([]byte(address))
		if data == nil {
			return fmt.Errorf("accessory %s: %w", address, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) UpdateAccessory(address string, fn func(rec *AccessoryRecord) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAccessories)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketAccessories)
		}
		data := b.Get([]byte(address))
		if data == nil {
			return fmt.Errorf("accessory %s: %w", address, ErrNotFound)
		}
		var rec AccessoryRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if err := fn(&rec); err != nil {
			return err
		}
		rec.Address = address
		rec.UpdatedAt = time.Now()
		return putRecord(tx, &rec)
	})
}

// DeleteAccessory removes the record and all state of the accessory.
func (s *BoltStore) DeleteAccessory(address string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAccessories)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketAccessories)
		}
		if err := b.Delete([]byte(address)); err != nil {
			return err
		}
		st := tx.Bucket(bucketState)
		if st != nil && st.Bucket([]byte(address)) != nil {
			return st.DeleteBucket([]byte(address))
		}
		return nil
	})
}

func (s *BoltStore) ListAccessories() ([]*AccessoryRecord, error) {
	var recs []*AccessoryRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAccessories)
		if b == nil {
			return nil // no bucket = no accessories
		}
		recs = make([]*AccessoryRecord, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var rec AccessoryRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return recs, err
}

func (s *BoltStore) SaveState(address, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode state %s/%s: %w", address, key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		st := tx.Bucket(bucketState)
		if st == nil {
			return fmt.Errorf("bucket %q not found", bucketState)
		}
		b, err := st.CreateBucketIfNotExists([]byte(address))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (s *BoltStore) GetState(address, key string, dst any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		st := tx.Bucket(bucketState)
		if st == nil {
			return fmt.Errorf("bucket %q not found", bucketState)
		}
		b := st.Bucket([]byte(address))
		if b == nil {
			return fmt.Errorf("state %s/%s: %w", address, key, ErrNotFound)
		}
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("state %s/%s: %w", address, key, ErrNotFound)
		}
		return json.Unmarshal(data, dst)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
