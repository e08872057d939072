// Runs the client and manages its torrent queue from the command-line.
//
// Peers are reached over stream tunnels provided by an I2P router. The client listens on a local
// address the router forwards inbound streams to, and announces the tunnel's destination to
// trackers, which are reached through the router's HTTP proxy.
//
// Example run:
// $ torrent --data-dir ~/torrents download --own-dest "$DEST" --tracker-proxy http://127.0.0.1:4444 some.torrent
// 3s: downloading "some": 1.2 MB/48 MB, 4/184 pieces, 3 peers: 402 kB/s down, 0 B/s up
// 6s: downloading "some": 2.6 MB/48 MB, 9/184 pieces, 4 peers: 466 kB/s down, 16 kB/s up
// ...
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/alexflint/go-arg"
	"github.com/anacrolix/envpprof"
	"github.com/anacrolix/log"
	"github.com/davecgh/go-spew/spew"

	"github.com/anacrolix/torrent-i2p/bencode"
	"github.com/anacrolix/torrent-i2p/metainfo"
	"github.com/anacrolix/torrent-i2p/version"
)

var flags struct {
	Debug   bool   `help:"enable debug logging"`
	DataDir string `arg:"--data-dir" default:"." help:"directory holding torrent data and client state"`

	*DownloadCmd      `arg:"subcommand:download"`
	*ServeCmd         `arg:"subcommand:serve"`
	*AddCmd           `arg:"subcommand:add"`
	*RemoveCmd        `arg:"subcommand:remove"`
	*ListCmd          `arg:"subcommand:list"`
	*StatsCmd         `arg:"subcommand:stats"`
	*CreateCmd        `arg:"subcommand:create"`
	*ListFilesCmd     `arg:"subcommand:list-files"`
	*SpewBencodingCmd `arg:"subcommand:spew-bencoding"`
	*VersionCmd       `arg:"subcommand:version"`
}

type VersionCmd struct{}

type SpewBencodingCmd struct{}

type ListFilesCmd struct {
	TorrentPath string `arg:"positional,required"`
}

func main() {
	defer envpprof.Stop()
	if err := mainErr(); err != nil {
		log.Printf("error in main: %v", err)
		os.Exit(1)
	}
}

func mainErr() error {
	p := arg.MustParse(&flags)
	switch {
	case flags.DownloadCmd != nil:
		return downloadErr(flags.DownloadCmd)
	case flags.ServeCmd != nil:
		return serveErr(flags.ServeCmd)
	case flags.AddCmd != nil:
		return addErr(flags.AddCmd)
	case flags.RemoveCmd != nil:
		return removeErr(flags.RemoveCmd)
	case flags.ListCmd != nil:
		return listErr()
	case flags.StatsCmd != nil:
		return statsErr(flags.StatsCmd)
	case flags.CreateCmd != nil:
		return createErr(flags.CreateCmd)
	case flags.ListFilesCmd != nil:
		return listFiles(flags.ListFilesCmd.TorrentPath)
	case flags.SpewBencodingCmd != nil:
		return spewBencoding(os.Stdin)
	case flags.VersionCmd != nil:
		fmt.Printf("HTTP User-Agent: %q\n", version.DefaultHttpUserAgent)
		fmt.Printf("Torrent version prefix: %q\n", version.DefaultBep20Prefix)
		fmt.Printf("Anonymous identity: %q, %q\n", version.AnonymousHttpUserAgent, version.AnonymousBep20Prefix)
		return nil
	default:
		p.Fail(fmt.Sprintf("unexpected subcommand: %v", p.Subcommand()))
		panic("unreachable")
	}
}

func listFiles(path string) error {
	mi, err := metainfo.LoadFromFile(path)
	if err != nil {
		return fmt.Errorf("loading from file %q: %w", path, err)
	}
	info, err := mi.UnmarshalInfo()
	if err != nil {
		return fmt.Errorf("unmarshalling info from metainfo at %q: %w", path, err)
	}
	for _, f := range info.UpvertedFiles() {
		fmt.Println(f.DisplayPath(&info))
	}
	return nil
}

// Dumps each bencoded value in r.
func spewBencoding(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	for i := 0; len(b) != 0; i++ {
		v, n, err := bencode.DecodePrefix(b)
		if err != nil {
			return fmt.Errorf("decoding message index %d: %w", i, err)
		}
		spew.Dump(v)
		b = b[n:]
	}
	return nil
}
