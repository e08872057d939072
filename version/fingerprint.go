package version

import (
	"github.com/anacrolix/missinggo/v2/panicif"
)

// Azureus-style version digit: 0-9 then A-Z.
func fingerprintDigit(v int) byte {
	panicif.LessThan(v, 0)
	panicif.GreaterThan(v, 35)
	if v < 10 {
		return byte('0' + v)
	}
	return byte('A' + v - 10)
}

// Returns a BEP 20 peer ID prefix like "-LT2100-". The client name is two characters, and is
// replaced with "--" if shorter.
func GenerateFingerprint(name string, major, minor, revision, tag int) string {
	if major < 0 || minor < 0 || revision < 0 || tag < 0 {
		panic("negative version number in fingerprint")
	}
	if len(name) < 2 {
		name = "--"
	}
	b := []byte{'-', name[0], name[1], 0, 0, 0, 0, '-'}
	for i, v := range [...]int{major, minor, revision, tag} {
		b[3+i] = fingerprintDigit(v)
	}
	return string(b)
}
