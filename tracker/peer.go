package tracker

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/anacrolix/torrent-i2p/bencode"
)

type Peer struct {
	// A base64 destination, optionally with a ".i2p" suffix.
	Dest string
	Port int
	ID   []byte
}

func (p Peer) String() string {
	dest := p.Dest
	if len(dest) > 16 {
		dest = dest[:16] + "…"
	}
	if len(p.ID) != 0 {
		return fmt.Sprintf("%x at %s", p.ID, dest)
	}
	return dest
}

// 512 characters of the network's base64 alphabet, then AAAA for the null certificate, or longer
// with a certificate.
var destinationRegexp = regexp.MustCompile(`^[A-Za-z0-9~-]{512,}AAAA$`)

func ValidI2PDestination(s string) bool {
	return destinationRegexp.MatchString(strings.TrimSuffix(s, ".i2p"))
}

// Strips the optional suffix so destinations compare equal.
func NormalizeDestination(s string) string {
	return strings.TrimSuffix(s, ".i2p")
}

// Set from the non-compact form in BEP 3. Returns false if the dict doesn't describe a reachable
// peer.
func (p *Peer) FromDictInterface(d map[string]interface{}) bool {
	ip, ok := bencode.DictString(d, "ip")
	if !ok || !ValidI2PDestination(ip) {
		return false
	}
	p.Dest = NormalizeDestination(ip)
	if port, ok := bencode.DictInt(d, "port"); ok {
		p.Port = int(port)
	}
	if id, ok := bencode.DictString(d, "peer id"); ok {
		p.ID = []byte(id)
	}
	return true
}
