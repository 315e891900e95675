package proxyvisor

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// AssetStore caches dependent-app asset bundles on disk, one tarball
// per (app, commit) at {dir}/{appId}/{appId}-{commit}.tar.
type AssetStore struct {
	dir string
}

// NewAssetStore creates an asset store rooted at dir.
func NewAssetStore(dir string) *AssetStore {
	return &AssetStore{dir: dir}
}

// Path returns where the tarball for (appID, commit) lives.
func (a *AssetStore) Path(appID int, commit string) string {
	return filepath.Join(a.dir, strconv.Itoa(appID), fmt.Sprintf("%d-%s.tar", appID, commit))
}

// Ensure returns the tarball path for (appID, commit), building it from
// sourceRoot if it is not cached yet.
func (a *AssetStore) Ensure(appID int, commit, sourceRoot string) (string, error) {
	path := a.Path(appID, commit)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create asset directory: %w", err)
	}

	// Build into a temp file first so a crash mid-write never leaves a
	// truncated tarball at the final path.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".build-*.tar")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if err := writeTar(tmp, sourceRoot); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to build asset tarball: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	return path, nil
}

// PruneExcept removes every cached tarball for appID other than the one
// for commit.
func (a *AssetStore) PruneExcept(appID int, commit string) error {
	appDir := filepath.Join(a.dir, strconv.Itoa(appID))
	entries, err := os.ReadDir(appDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	keep := fmt.Sprintf("%d-%s.tar", appID, commit)
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == keep || !strings.HasSuffix(entry.Name(), ".tar") {
			continue
		}
		if err := os.Remove(filepath.Join(appDir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// PruneAll removes every cached tarball for appID.
func (a *AssetStore) PruneAll(appID int) error {
	err := os.RemoveAll(filepath.Join(a.dir, strconv.Itoa(appID)))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// writeTar archives sourceRoot into w with paths relative to the root.
func writeTar(w io.Writer, sourceRoot string) error {
	tw := tar.NewWriter(w)

	err := filepath.WalkDir(sourceRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(sourceRoot, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return err
	}
	return tw.Close()
}
