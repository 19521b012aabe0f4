package store

import (
	"errors"
	"os"
	"path/filepath"
)

// readFile returns nil, nil for a missing file.
func readFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return b, err
}

// writeFile replaces path atomically: the bytes go to a synced temp file in
// the same directory, which is then renamed over the target. Missing parent
// directories are created with owner-only permissions.
func writeFile(path string, b []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	err = errors.Join(
		f.Chmod(mode),
		write(f, b),
		f.Sync(),
	)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func write(f *os.File, b []byte) error {
	_, err := f.Write(b)
	return err
}
