// Package version provides default versions, user-agents etc. for client identification.
package version

import (
	"fmt"
	"runtime/debug"
)

const modulePath = "github.com/anacrolix/torrent-i2p"

var (
	// This should be updated when client behaviour changes in a way that other peers could care
	// about.
	DefaultBep20Prefix = GenerateFingerprint("GI", 0, 1, 0, 0)
	// Per https://developer.mozilla.org/en-US/docs/Web/HTTP/Headers/User-Agent#library_and_net_tool_ua_strings
	DefaultHttpUserAgent = fmt.Sprintf("anacrolix-torrent-i2p/%v", moduleVersion())

	// Reveals nothing about the client. Trackers on the anonymity network see only this.
	AnonymousHttpUserAgent = "curl/7.81.0"
	// A common libtorrent release.
	AnonymousBep20Prefix = GenerateFingerprint("LT", 2, 0, 11, 0)
)

// The version this module was built at. "(devel)" when it is the main module.
func moduleVersion() string {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	if buildInfo.Main.Path == modulePath {
		return buildInfo.Main.Version
	}
	for _, dep := range buildInfo.Deps {
		if dep.Path == modulePath {
			return dep.Version
		}
	}
	return "unknown"
}
