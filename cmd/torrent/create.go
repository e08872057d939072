package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/anacrolix/tagflag"

	"github.com/anacrolix/torrent-i2p/metainfo"
)

// Creates a torrent metainfo for the file system rooted at Root.
type CreateCmd struct {
	Tier        []string      `arg:"-a,separate" help:"announce-list tier, as comma-separated urls"`
	Comment     string        `arg:"-t"`
	CreatedBy   string        `arg:"-c"`
	PieceLength tagflag.Bytes `help:"chosen from the total length if not given"`
	Output      string        `arg:"-o" help:"write to this file instead of stdout"`
	Root        string        `arg:"positional,required"`
}

func createErr(cmd *CreateCmd) error {
	var mi metainfo.MetaInfo
	for _, tier := range cmd.Tier {
		mi.AnnounceList = append(mi.AnnounceList, strings.Split(tier, ","))
	}
	if len(mi.AnnounceList) != 0 {
		mi.Announce = mi.AnnounceList[0][0]
	}
	mi.SetDefaults()
	if cmd.Comment != "" {
		mi.Comment = cmd.Comment
	}
	if cmd.CreatedBy != "" {
		mi.CreatedBy = cmd.CreatedBy
	}
	info := metainfo.Info{
		PieceLength: cmd.PieceLength.Int64(),
	}
	if err := info.BuildFromFilePath(cmd.Root); err != nil {
		return fmt.Errorf("building info from %q: %w", cmd.Root, err)
	}
	if err := mi.SetInfo(&info); err != nil {
		return err
	}
	var w io.Writer = os.Stdout
	if cmd.Output != "" {
		f, err := os.Create(cmd.Output)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	if err := mi.Write(w); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "created %v\n", mi.HashInfoBytes())
	return nil
}
