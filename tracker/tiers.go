package tracker

import (
	"context"
	"iter"
	"slices"

	"github.com/anacrolix/log"
)

// Tiers of tracker urls. Urls are tried tier by tier, left to right, and a url that works is moved
// to the front of its tier.
type Tiers [][]string

func (t Tiers) Clone() (ret Tiers) {
	for _, tier := range t {
		ret = append(ret, slices.Clone(tier))
	}
	return
}

func (t Tiers) All() iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, tier := range t {
			for _, u := range tier {
				if !yield(u) {
					return
				}
			}
		}
	}
}

// Moves url to the head of its tier.
func (t Tiers) Promote(url string) {
	for _, tier := range t {
		if i := slices.Index(tier, url); i > 0 {
			copy(tier[1:i+1], tier[:i])
			tier[0] = url
			return
		}
	}
}

type TieredAnnounceResult struct {
	AnnounceResponse
	URL string
	// Urls that failed before one succeeded.
	Failures int
	Err      error
}

// Announces to each url in turn until one succeeds, promoting it within its tier. Err is set if
// all of them failed.
func (cl *Client) AnnounceTiers(ctx context.Context, tiers Tiers, ar AnnounceRequest) (ret TieredAnnounceResult) {
	for u := range tiers.All() {
		resp, err := cl.Announce(ctx, u, ar)
		if err != nil {
			cl.Logger.Levelf(log.Debug, "announce to %q failed: %v", u, err)
			ret.Failures++
			ret.Err = err
			if ctx.Err() != nil {
				return
			}
			continue
		}
		tiers.Promote(u)
		ret.AnnounceResponse = resp
		ret.URL = u
		ret.Err = nil
		return
	}
	if ret.Failures == 0 {
		ret.Err = errNoTrackers
	}
	return
}
