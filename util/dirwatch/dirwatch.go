// Package dirwatch reports .torrent files appearing in and disappearing from a directory.
package dirwatch

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/anacrolix/log"
	"github.com/fsnotify/fsnotify"

	"github.com/anacrolix/torrent-i2p/metainfo"
)

type Change uint

const (
	Added Change = iota
	Removed
)

func (c Change) String() string {
	switch c {
	case Added:
		return "added"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

type Event struct {
	Change
	TorrentFilePath string
	InfoHash        metainfo.Hash
}

type Instance struct {
	w       *fsnotify.Watcher
	dirName string
	logger  log.Logger
	// Closed after Close once no more events will be sent.
	Events chan Event

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
	// Only touched by the event loop.
	torrentFileInfoHashes map[string]metainfo.Hash
}

func New(dirName string) (*Instance, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dirName); err != nil {
		w.Close()
		return nil, err
	}
	i := &Instance{
		w:                     w,
		dirName:               dirName,
		logger:                log.Default.WithNames("dirwatch"),
		Events:                make(chan Event),
		closed:                make(chan struct{}),
		torrentFileInfoHashes: make(map[string]metainfo.Hash),
	}
	i.wg.Add(2)
	go func() {
		defer i.wg.Done()
		defer close(i.Events)
		i.handleEvents()
	}()
	go func() {
		defer i.wg.Done()
		i.handleErrors()
	}()
	return i, nil
}

func (i *Instance) Close() {
	i.closeOnce.Do(func() {
		close(i.closed)
		i.w.Close()
	})
	i.wg.Wait()
}

func (i *Instance) handleEvents() {
	i.refill()
	for {
		select {
		case e, ok := <-i.w.Events:
			if !ok {
				return
			}
			i.logger.Levelf(log.Debug, "event: %v", e)
			if e.Op&fsnotify.Chmod == e.Op {
				continue
			}
			if !i.processFile(e.Name) {
				return
			}
		case <-i.closed:
			return
		}
	}
}

func (i *Instance) handleErrors() {
	for {
		select {
		case err, ok := <-i.w.Errors:
			if !ok {
				return
			}
			i.logger.Levelf(log.Warning, "error in torrent directory watcher: %v", err)
		case <-i.closed:
			return
		}
	}
}

// Torrent files already in the directory are reported as added.
func (i *Instance) refill() {
	names, err := filepath.Glob(filepath.Join(i.dirName, "*.torrent"))
	if err != nil {
		i.logger.Levelf(log.Error, "scanning %q: %v", i.dirName, err)
		return
	}
	for _, name := range names {
		if !i.processFile(name) {
			return
		}
	}
}

func torrentFileInfoHash(fileName string) (ih metainfo.Hash, ok bool) {
	mi, err := metainfo.LoadFromFile(fileName)
	if err != nil {
		return
	}
	return mi.HashInfoBytes(), true
}

func (i *Instance) send(e Event) bool {
	select {
	case i.Events <- e:
		return true
	case <-i.closed:
		return false
	}
}

// Returns false if the instance was closed while sending.
func (i *Instance) processFile(name string) bool {
	name = filepath.Clean(name)
	if filepath.Ext(name) != ".torrent" {
		return true
	}
	old, known := i.torrentFileInfoHashes[name]
	ih, ok := torrentFileInfoHash(name)
	if known && ok && ih == old {
		return true
	}
	if known {
		delete(i.torrentFileInfoHashes, name)
		if !i.send(Event{Change: Removed, TorrentFilePath: name, InfoHash: old}) {
			return false
		}
	}
	if !ok {
		if _, err := os.Stat(name); err == nil {
			// Probably still being written. A later write event retries it.
			i.logger.Levelf(log.Debug, "couldn't load torrent file %q", name)
		}
		return true
	}
	i.torrentFileInfoHashes[name] = ih
	return i.send(Event{Change: Added, TorrentFilePath: name, InfoHash: ih})
}
