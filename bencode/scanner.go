package bencode

import (
	"bytes"
	"strconv"
)

type SyntaxError struct {
	Offset int64  // location of the error
	what   string // error description
}

func (e *SyntaxError) Error() string {
	return "bencode: syntax error (offset: " + strconv.FormatInt(e.Offset, 10) + "): " + e.what
}

// Returns the length of the single value at the start of b, without decoding it.
func valueLen(b []byte) (int, error) {
	return skipValue(b, 0)
}

func skipValue(b []byte, off int) (int, error) {
	if off >= len(b) {
		return 0, &SyntaxError{int64(off), "unexpected end of input"}
	}
	switch c := b[off]; {
	case c == 'i':
		end := bytes.IndexByte(b[off:], 'e')
		if end < 2 {
			return 0, &SyntaxError{int64(off), "bad integer"}
		}
		if _, err := strconv.ParseInt(string(b[off+1:off+end]), 10, 64); err != nil {
			return 0, &SyntaxError{int64(off), "bad integer"}
		}
		return off + end + 1, nil
	case c >= '0' && c <= '9':
		colon := bytes.IndexByte(b[off:], ':')
		if colon < 1 {
			return 0, &SyntaxError{int64(off), "bad string length"}
		}
		n, err := strconv.ParseUint(string(b[off:off+colon]), 10, 31)
		if err != nil {
			return 0, &SyntaxError{int64(off), "bad string length"}
		}
		end := off + colon + 1 + int(n)
		if end > len(b) {
			return 0, &SyntaxError{int64(off), "string overruns input"}
		}
		return end, nil
	case c == 'l' || c == 'd':
		off++
		for {
			if off >= len(b) {
				return 0, &SyntaxError{int64(off), "unterminated " + string(c)}
			}
			if b[off] == 'e' {
				return off + 1, nil
			}
			var err error
			if c == 'd' {
				if b[off] < '0' || b[off] > '9' {
					return 0, &SyntaxError{int64(off), "dictionary key is not a string"}
				}
				off, err = skipValue(b, off)
				if err != nil {
					return 0, err
				}
				if off >= len(b) {
					return 0, &SyntaxError{int64(off), "unterminated d"}
				}
				if b[off] == 'e' {
					return 0, &SyntaxError{int64(off), "dictionary key has no value"}
				}
			}
			off, err = skipValue(b, off)
			if err != nil {
				return 0, err
			}
		}
	default:
		return 0, &SyntaxError{int64(off), "unexpected byte " + strconv.QuoteRune(rune(c))}
	}
}

// Returns the raw encoded bytes of the value for key in the top-level dictionary b. ok is false if
// the key isn't present.
func RawDictValue(b []byte, key string) (raw []byte, ok bool, err error) {
	if len(b) == 0 || b[0] != 'd' {
		return nil, false, &SyntaxError{0, "not a dictionary"}
	}
	off := 1
	for off < len(b) && b[off] != 'e' {
		keyEnd, err := skipValue(b, off)
		if err != nil {
			return nil, false, err
		}
		colon := bytes.IndexByte(b[off:keyEnd], ':')
		k := string(b[off+colon+1 : keyEnd])
		valueEnd, err := skipValue(b, keyEnd)
		if err != nil {
			return nil, false, err
		}
		if k == key {
			return b[keyEnd:valueEnd], true, nil
		}
		off = valueEnd
	}
	if off >= len(b) {
		return nil, false, &SyntaxError{int64(off), "unterminated dictionary"}
	}
	return nil, false, nil
}
