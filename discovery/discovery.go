// Package discovery supplies the identifiers a refresh pass should look at.
package discovery

import (
	"bufio"
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Source returns the current ordered list of item identifiers.
type Source interface {
	Items(ctx context.Context) ([]string, error)
}

// Static is a fixed list.
type Static []string

func (s Static) Items(context.Context) ([]string, error) {
	out := make([]string, len(s))
	copy(out, s)
	return out, nil
}

/*
File reads identifiers from a text file, one per line. Blank lines and lines
starting with # are ignored. The file is re-read on every call, so edits are
picked up by the next pass.
*/
type File struct {
	Fs   afero.Fs
	Path string
}

func NewFile(fs afero.Fs, path string) *File {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &File{Fs: fs, Path: path}
}

func (f *File) Items(ctx context.Context) ([]string, error) {
	fh, err := f.Fs.Open(f.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "open id file %s", f.Path)
	}
	defer fh.Close()

	var ids []string
	sc := bufio.NewScanner(fh)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, "read id file %s", f.Path)
	}
	return ids, nil
}
