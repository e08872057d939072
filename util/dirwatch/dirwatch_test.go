package dirwatch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-quicktest/qt"
	"github.com/stretchr/testify/require"

	"github.com/anacrolix/torrent-i2p/metainfo"
)

// Writes a torrent file for a small data file into dir, renaming it into place so the watcher
// never sees it half written.
func writeTorrentFile(t *testing.T, dir, name string, contents string) metainfo.Hash {
	dataPath := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.WriteFile(dataPath, []byte(contents), 0o644))
	var info metainfo.Info
	require.NoError(t, info.BuildFromFilePath(dataPath))
	var mi metainfo.MetaInfo
	require.NoError(t, mi.SetInfo(&info))
	tmp := filepath.Join(dir, name+".tmp")
	f, err := os.Create(tmp)
	require.NoError(t, err)
	require.NoError(t, mi.Write(f))
	require.NoError(t, f.Close())
	require.NoError(t, os.Rename(tmp, filepath.Join(dir, name)))
	return mi.HashInfoBytes()
}

func nextEvent(t *testing.T, dw *Instance) Event {
	select {
	case e := <-dw.Events:
		return e
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for event")
		panic("unreachable")
	}
}

func TestDirwatch(t *testing.T) {
	tempDirName := t.TempDir()
	t.Logf("tempdir: %q", tempDirName)
	existing := writeTorrentFile(t, tempDirName, "existing.torrent", "hello")
	dw, err := New(tempDirName)
	require.NoError(t, err)
	defer dw.Close()

	e := nextEvent(t, dw)
	qt.Check(t, qt.Equals(e.Change, Added))
	qt.Check(t, qt.Equals(e.InfoHash, existing))

	added := writeTorrentFile(t, tempDirName, "new.torrent", "world")
	e = nextEvent(t, dw)
	qt.Check(t, qt.Equals(e.Change, Added))
	qt.Check(t, qt.Equals(e.InfoHash, added))
	qt.Check(t, qt.Equals(e.TorrentFilePath, filepath.Join(tempDirName, "new.torrent")))

	require.NoError(t, os.Remove(filepath.Join(tempDirName, "existing.torrent")))
	e = nextEvent(t, dw)
	qt.Check(t, qt.Equals(e.Change, Removed))
	qt.Check(t, qt.Equals(e.InfoHash, existing))
}

func TestCloseEndsEvents(t *testing.T) {
	dw, err := New(t.TempDir())
	require.NoError(t, err)
	dw.Close()
	_, ok := <-dw.Events
	qt.Check(t, qt.IsFalse(ok))
	dw.Close()
}
