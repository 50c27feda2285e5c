package framesource

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/abworrall/starfield-align/pkg/starfield"
)

// A DirSource reads frames from files on disk. Paths can be files or
// dirs; dirs are walked recursively for image files.
type DirSource struct {
	Paths []string
}

var _ starfield.FrameSource = (*DirSource)(nil)

func NewDirSource(paths ...string) *DirSource {
	return &DirSource{Paths: paths}
}

// Files lists the image files under Paths, sorted by name.
func (ds *DirSource) Files() ([]string, error) {
	files := []string{}

	for _, arg := range ds.Paths {
		item, err := os.Stat(arg)
		switch {
		case err != nil:
			return nil, fmt.Errorf("load %s: %w", arg, err)

		case item.IsDir():
			err := filepath.WalkDir(arg, func(path string, d os.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if !d.IsDir() && IsImageFile(path) {
					files = append(files, path)
				}
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("readdir %s: %w", arg, err)
			}

		default:
			files = append(files, arg)
		}
	}

	sort.Strings(files)
	return files, nil
}

// Fetch loads every frame whose timestamp is in the window. A file that
// won't decode is returned as a failed Acquired, not an error; only
// being unable to list the files is.
func (ds *DirSource) Fetch(ctx context.Context, window starfield.TimeRange) ([]starfield.Acquired, error) {
	files, err := ds.Files()
	if err != nil {
		return nil, err
	}

	out := []starfield.Acquired{}
	for _, filename := range files {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		f, err := LoadFrame(filename)
		if err != nil {
			acq := starfield.Acquired{Name: filepath.Base(filename), Err: fmt.Errorf("%w: %w", starfield.ErrFetchFailure, err)}
			if ts, tsErr := frameTimestamp(filename); tsErr == nil {
				acq.Timestamp = ts
			}
			if window.Contains(acq.Timestamp) {
				out = append(out, acq)
			}
			continue
		}

		if window.Contains(f.Timestamp) {
			out = append(out, starfield.Acquired{Frame: f, Name: f.Name, Timestamp: f.Timestamp})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
