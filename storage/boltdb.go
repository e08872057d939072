package storage

import (
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var persistBucketKey = []byte("persist")

type boltPersister struct {
	db *bbolt.DB
}

// Opens or creates a bbolt database in dir for client state.
func NewBoltPersister(dir string) (Persister, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(filepath.Join(dir, ".torrent.bolt.db"), 0o600, &bbolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(persistBucketKey)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &boltPersister{db}, nil
}

func (me *boltPersister) Get(key string) (value []byte, ok bool, err error) {
	err = me.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(persistBucketKey).Get([]byte(key))
		if v == nil {
			return nil
		}
		ok = true
		// Only valid for the life of the transaction.
		value = append([]byte(nil), v...)
		return nil
	})
	return
}

func (me *boltPersister) Put(key string, value []byte) error {
	return me.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(persistBucketKey).Put([]byte(key), value)
	})
}

func (me *boltPersister) Delete(key string) error {
	return me.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(persistBucketKey).Delete([]byte(key))
	})
}

func (me *boltPersister) Keys() (keys []string, err error) {
	err = me.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(persistBucketKey).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return
}

func (me *boltPersister) Close() error {
	return me.db.Close()
}
