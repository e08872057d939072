package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/anacrolix/torrent-i2p"
	"github.com/anacrolix/torrent-i2p/types"
)

// Adds torrent files to the persisted queue.
type AddCmd struct {
	DataPath  string   `help:"where the torrent's data lives, instead of the data dir"`
	Stopped   bool     `help:"add without starting"`
	SuperSeed bool     `help:"seed in super-seeding mode"`
	Verify    bool     `help:"check existing data against piece hashes"`
	Priority  []string `help:"file priorities as index=low|normal|high"`
	Skip      []int    `help:"indices of files not to download"`
	Torrent   []string `arity:"+" arg:"positional" help:"torrent file path"`
}

type RemoveCmd struct {
	Torrent []string `arity:"+" arg:"positional" help:"infohash or torrent file path"`
}

type ListCmd struct{}

type StatsCmd struct {
	Groups  []string `arg:"-g" help:"stats groups: torrent, peers, trackers, files, rates, or all; torrent if none"`
	Json    bool     `help:"write JSON instead of a dump"`
	Torrent string   `arg:"positional,required" help:"infohash or torrent file path"`
}

func parsePriority(s string) (types.PiecePriority, error) {
	switch s {
	case "low":
		return types.PiecePriorityLow, nil
	case "normal":
		return types.PiecePriorityNormal, nil
	case "high":
		return types.PiecePriorityHigh, nil
	}
	return 0, fmt.Errorf("%w: %q", torrent.ErrInvalidPriority, s)
}

func addErr(cmd *AddCmd) error {
	cl, err := offlineClient()
	if err != nil {
		return err
	}
	defer cl.Close()
	for _, path := range cmd.Torrent {
		t, err := cl.AddTorrentFromFile(path, cmd.DataPath)
		if err != nil {
			return fmt.Errorf("adding %q: %w", path, err)
		}
		ih := t.InfoHash()
		for _, p := range cmd.Priority {
			var (
				index int
				level string
			)
			if _, err := fmt.Sscanf(p, "%d=%s", &index, &level); err != nil {
				return fmt.Errorf("parsing priority %q: %w", p, err)
			}
			prio, err := parsePriority(level)
			if err != nil {
				return err
			}
			if err := cl.SetFilePriority(ih, index, prio); err != nil {
				return err
			}
		}
		for _, i := range cmd.Skip {
			if err := cl.SetFileWanted(ih, i, false); err != nil {
				return err
			}
		}
		if cmd.SuperSeed {
			if err := cl.SetSuperSeeding(ih, true); err != nil {
				return err
			}
		}
		if cmd.Verify {
			n, err := cl.VerifyData(ih)
			if err != nil {
				return fmt.Errorf("verifying %v: %w", ih, err)
			}
			fmt.Printf("%v: %d pieces changed state\n", ih, n)
		}
		if !cmd.Stopped {
			if err := cl.StartTorrent(ih); err != nil {
				return err
			}
		}
		fmt.Printf("added %v %q\n", ih, t.Name())
	}
	return nil
}

func removeErr(cmd *RemoveCmd) error {
	cl, err := offlineClient()
	if err != nil {
		return err
	}
	defer cl.Close()
	for _, arg := range cmd.Torrent {
		t, err := resolveTorrent(cl, arg)
		if err != nil {
			return err
		}
		if err := cl.RemoveTorrent(t.InfoHash()); err != nil {
			return fmt.Errorf("removing %v: %w", t.InfoHash(), err)
		}
	}
	return nil
}

func listErr() error {
	cl, err := offlineClient()
	if err != nil {
		return err
	}
	defer cl.Close()
	writeTorrentTable(os.Stdout, cl)
	return nil
}

func statsErr(cmd *StatsCmd) error {
	groups := cmd.Groups
	if len(groups) == 0 {
		groups = []string{"torrent"}
	}
	sel, err := torrent.ParseStatsSelector(groups...)
	if err != nil {
		return err
	}
	cl, err := offlineClient()
	if err != nil {
		return err
	}
	defer cl.Close()
	t, err := resolveTorrent(cl, cmd.Torrent)
	if err != nil {
		return err
	}
	st, err := cl.Stats(t.InfoHash(), sel)
	if err != nil {
		return err
	}
	if cmd.Json {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	if sel.Files {
		for i, f := range st.Files {
			fmt.Printf("%d\t%d\t%v\t%q\n", i, f.Priority, f.Wanted, f.Path)
		}
	}
	torrent.DumpStats(os.Stdout, st)
	return nil
}
