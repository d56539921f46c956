package storage

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
)

// LocalAdapter accesses directories on the agent's own filesystem.
type LocalAdapter struct{}

// NewLocalAdapter constructs a LocalAdapter. Local walks need no
// credentials.
func NewLocalAdapter() *LocalAdapter { return &LocalAdapter{} }

func resolveDir(location string) (string, error) {
	expanded := location
	if len(expanded) > 0 && expanded[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		expanded = filepath.Join(home, expanded[1:])
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if os.IsNotExist(err) {
		return "", fmt.Errorf("storage: path does not exist: %s", location)
	}
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("storage: path is not a directory: %s", location)
	}
	return abs, nil
}

// ListFiles walks location recursively, returning paths relative to
// it. Entries that error out mid-walk (permission denied, removed
// between readdir and stat) are skipped rather than aborting the walk.
func (a *LocalAdapter) ListFiles(ctx context.Context, location string) ([]string, error) {
	root, err := resolveDir(location)
	if err != nil {
		return nil, err
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return nil // skip unreadable entries
		}
		if d.IsDir() {
			return nil
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// ListFilesWithMetadata is ListFiles plus size and modification time.
func (a *LocalAdapter) ListFilesWithMetadata(ctx context.Context, location string) ([]apis.FileInfo, error) {
	root, err := resolveDir(location)
	if err != nil {
		return nil, err
	}

	var files []apis.FileInfo
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil {
			return nil // skip files we can't stat
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil {
			return nil
		}
		files = append(files, apis.FileInfo{
			Path:         rel,
			Size:         info.Size(),
			LastModified: info.ModTime().UTC().Format(time.RFC3339),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// TestConnection always reports success: unlike remote backends, local
// access cannot be validated until a specific location is known.
func (a *LocalAdapter) TestConnection(ctx context.Context) (bool, string, error) {
	return true, "local filesystem access available", nil
}
