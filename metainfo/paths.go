package metainfo

import (
	"path/filepath"

	"github.com/pkg/errors"
)

var ErrPathEscapesRoot = errors.New("file path escapes data root")

// Returns the on-disk location of a file under dataRoot. Paths that would resolve outside dataRoot
// are rejected.
func (info *Info) FilePath(dataRoot string, fi FileInfo) (string, error) {
	comps := []string{info.Name}
	if info.IsDir() {
		comps = append(comps, fi.Path...)
	}
	for _, c := range comps {
		if c == "" {
			return "", errors.Wrapf(ErrPathEscapesRoot, "empty component in %q", comps)
		}
	}
	rel := filepath.Join(comps...)
	if !filepath.IsLocal(rel) {
		return "", errors.Wrapf(ErrPathEscapesRoot, "%q", rel)
	}
	return filepath.Join(dataRoot, rel), nil
}

// Checks every file in the info resolves inside dataRoot.
func (info *Info) CheckPaths(dataRoot string) error {
	for _, fi := range info.UpvertedFiles() {
		if _, err := info.FilePath(dataRoot, fi); err != nil {
			return err
		}
	}
	return nil
}
