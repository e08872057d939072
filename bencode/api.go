// Package bencode is the strict BitTorrent bencoding: byte strings, integers, lists and
// dictionaries only. Encoding and decoding are done by github.com/jackpal/bencode-go; this package
// adds canonical-form checking and access to the raw bytes of dictionary values, which is needed to
// hash the info dictionary exactly as it appears on disk.
package bencode

import (
	"bufio"
	"bytes"
	"fmt"

	jackpal "github.com/jackpal/bencode-go"
	"github.com/pkg/errors"
)

var ErrNotCanonical = errors.New("bencode: input is not canonically encoded")

type ErrUnusedTrailingBytes struct {
	NumUnusedBytes int
}

func (me ErrUnusedTrailingBytes) Error() string {
	return fmt.Sprintf("bencode: %d unused trailing bytes", me.NumUnusedBytes)
}

func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	err := jackpal.Marshal(&buf, v)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func MustMarshal(v interface{}) []byte {
	b, err := Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Decodes into the value pointed to by v, which is usually a struct with `bencode:"key"` field tags.
// Trailing data is an error.
func Unmarshal(data []byte, v interface{}) error {
	if err := checkSingleValue(data); err != nil {
		return err
	}
	return jackpal.Unmarshal(bytes.NewReader(data), v)
}

// Decodes into the generic form: string, int64, []interface{} and map[string]interface{}.
func Decode(data []byte) (interface{}, error) {
	if err := checkSingleValue(data); err != nil {
		return nil, err
	}
	return jackpal.Decode(bufio.NewReader(bytes.NewReader(data)))
}

// Like Decode, but the input must be exactly what Marshal would produce for the decoded value:
// sorted dictionary keys, no leading zeros, no trailing data.
func DecodeStrict(data []byte) (v interface{}, err error) {
	v, err = Decode(data)
	if err != nil {
		return
	}
	re, err := Marshal(v)
	if err != nil {
		return
	}
	if !bytes.Equal(re, data) {
		return nil, ErrNotCanonical
	}
	return
}

func checkSingleValue(data []byte) error {
	n, err := valueLen(data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return ErrUnusedTrailingBytes{len(data) - n}
	}
	return nil
}

// Decodes the value at the start of data, returning the number of bytes it used. For streams of
// concatenated values.
func DecodePrefix(data []byte) (v interface{}, n int, err error) {
	n, err = valueLen(data)
	if err != nil {
		return
	}
	v, err = Decode(data[:n])
	return
}
