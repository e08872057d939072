package metainfo

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/anacrolix/torrent-i2p/bencode"
)

// MetaInfo is the type you should use when reading torrent files. See Load and LoadFromFile. The
// info dictionary is kept in its original encoding so that the infohash can be computed from it.
type MetaInfo struct {
	InfoBytes    []byte
	Announce     string
	AnnounceList AnnounceList
	CreationDate int64
	Comment      string
	CreatedBy    string
	Encoding     string
}

// Load a MetaInfo from an io.Reader. Returns a non-nil error in case of failure.
func Load(r io.Reader) (*MetaInfo, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return LoadBytes(b)
}

func LoadBytes(b []byte) (*MetaInfo, error) {
	v, err := bencode.Decode(b)
	if err != nil {
		return nil, err
	}
	d, ok := v.(map[string]interface{})
	if !ok {
		return nil, errors.New("metainfo is not a dictionary")
	}
	var mi MetaInfo
	raw, ok, err := bencode.RawDictValue(b, "info")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrap(ErrMissingField, "info")
	}
	mi.InfoBytes = bytes.Clone(raw)
	mi.Announce, _ = bencode.DictString(d, "announce")
	if al, ok := bencode.DictList(d, "announce-list"); ok {
		for _, tier := range al {
			tl, ok := tier.([]interface{})
			if !ok {
				return nil, errors.New("bad announce-list tier")
			}
			var urls []string
			for _, u := range tl {
				s, ok := u.(string)
				if !ok {
					return nil, errors.New("bad announce-list url")
				}
				urls = append(urls, s)
			}
			mi.AnnounceList = append(mi.AnnounceList, urls)
		}
	}
	mi.CreationDate, _ = bencode.DictInt(d, "creation date")
	mi.Comment, _ = bencode.DictString(d, "comment")
	mi.CreatedBy, _ = bencode.DictString(d, "created by")
	mi.Encoding, _ = bencode.DictString(d, "encoding")
	return &mi, nil
}

// Convenience function for loading a MetaInfo from a file.
func LoadFromFile(filename string) (*MetaInfo, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

func (mi *MetaInfo) UnmarshalInfo() (info Info, err error) {
	v, err := bencode.Decode(mi.InfoBytes)
	if err != nil {
		return
	}
	d, ok := v.(map[string]interface{})
	if !ok {
		err = errors.New("info is not a dictionary")
		return
	}
	info, err = infoFromDict(d)
	if err != nil {
		return
	}
	err = info.Validate()
	return
}

func (mi *MetaInfo) HashInfoBytes() (infoHash Hash) {
	return HashBytes(mi.InfoBytes)
}

// Sets InfoBytes from info.
func (mi *MetaInfo) SetInfo(info *Info) (err error) {
	mi.InfoBytes, err = info.MarshalBencode()
	return
}

// Encode to bencoded form.
func (mi *MetaInfo) Write(w io.Writer) error {
	infoValue, err := bencode.Decode(mi.InfoBytes)
	if err != nil {
		return err
	}
	d := map[string]interface{}{
		"info": infoValue,
	}
	if mi.Announce != "" {
		d["announce"] = mi.Announce
	}
	if len(mi.AnnounceList) != 0 {
		d["announce-list"] = mi.AnnounceList.toBencode()
	}
	if mi.CreationDate != 0 {
		d["creation date"] = mi.CreationDate
	}
	if mi.Comment != "" {
		d["comment"] = mi.Comment
	}
	if mi.CreatedBy != "" {
		d["created by"] = mi.CreatedBy
	}
	if mi.Encoding != "" {
		d["encoding"] = mi.Encoding
	}
	b, err := bencode.Marshal(d)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Set good default values in preparation for creating a new MetaInfo file.
func (mi *MetaInfo) SetDefaults() {
	mi.CreatedBy = "github.com/anacrolix/torrent-i2p"
	mi.CreationDate = time.Now().Unix()
	mi.Encoding = "UTF-8"
}

// Returns the announce-list if present, otherwise a single tier holding the announce url.
func (mi *MetaInfo) UpvertedAnnounceList() AnnounceList {
	if mi.AnnounceList.OverridesAnnounce(mi.Announce) {
		return mi.AnnounceList.Clone()
	}
	if mi.Announce != "" {
		return [][]string{{mi.Announce}}
	}
	return nil
}
