package storage

import (
	"slices"

	"github.com/anacrolix/sync"
)

// A key/value store for small client state blobs, such as the torrent queue and each torrent's
// completed pieces. Implementations must be safe for concurrent use.
type Persister interface {
	Get(key string) (value []byte, ok bool, err error)
	Put(key string, value []byte) error
	Delete(key string) error
	// All keys, in order.
	Keys() ([]string, error)
	Close() error
}

type mapPersister struct {
	mu sync.Mutex
	m  map[string][]byte
}

// A Persister that forgets everything when the process exits.
func NewMapPersister() Persister {
	return &mapPersister{m: make(map[string][]byte)}
}

func (me *mapPersister) Get(key string) ([]byte, bool, error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	v, ok := me.m[key]
	return append([]byte(nil), v...), ok, nil
}

func (me *mapPersister) Put(key string, value []byte) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.m[key] = append([]byte(nil), value...)
	return nil
}

func (me *mapPersister) Delete(key string) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	delete(me.m, key)
	return nil
}

func (me *mapPersister) Keys() (keys []string, err error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	for k := range me.m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return
}

func (me *mapPersister) Close() error {
	return nil
}
