package store

import (
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("telemetry")

// BoltStore persists entries in a bbolt database file. The database is
// locked by the process opening it: candidates sharing a BoltStore must
// live in the same process and receive change notifications through
// Watch.
type BoltStore struct {
	filePath string
	db       *bolt.DB

	hub watchHub
}

func OpenBoltStore(filePath string) (*BoltStore, error) {
	options := bolt.Options{
		Timeout: time.Second,
	}

	db, err := bolt.Open(filePath, 0600, &options)
	if err != nil {
		return nil, fmt.Errorf("cannot open %q: %w", filePath, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot create bucket in %q: %w", filePath, err)
	}

	s := BoltStore{
		filePath: filePath,
		db:       db,
	}

	return &s, nil
}

func (s *BoltStore) Get(key string) (value string, found bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketName).Get([]byte(key))
		if data != nil {
			// The slice is only valid during the transaction.
			value = string(data)
			found = true
		}

		return nil
	})
	if err != nil {
		err = s.wrapError("read", key, err)
	}

	return
}

func (s *BoltStore) Set(key, value string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), []byte(value))
	})
	if err != nil {
		return s.wrapError("write", key, err)
	}

	s.hub.publish(Change{Key: key, Value: value})

	return nil
}

func (s *BoltStore) Delete(key string) error {
	var found bool

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName)

		found = bucket.Get([]byte(key)) != nil
		if !found {
			return nil
		}

		return bucket.Delete([]byte(key))
	})
	if err != nil {
		return s.wrapError("delete", key, err)
	}

	if found {
		s.hub.publish(Change{Key: key, Deleted: true})
	}

	return nil
}

func (s *BoltStore) Keys() ([]string, error) {
	var keys []string

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("cannot list keys in %q: %w", s.filePath, err)
	}

	return keys, nil
}

func (s *BoltStore) Watch() (<-chan Change, func()) {
	return s.hub.subscribe()
}

func (s *BoltStore) Close() error {
	s.hub.close()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("cannot close %q: %w", s.filePath, err)
	}

	return nil
}

func (s *BoltStore) wrapError(op, key string, err error) error {
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		err = ErrStoreClosed
	}

	return fmt.Errorf("cannot %s %q: %w", op, key, err)
}
