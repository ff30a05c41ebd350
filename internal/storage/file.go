package storage

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// FileStorage stores each location as a file in Dir.
type FileStorage struct {
	Dir string
}

func NewFileStorage(dir string) (*FileStorage, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("empty storage dir")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileStorage{Dir: dir}, nil
}

func (s *FileStorage) Read(location string) ([]byte, error) {
	if err := validateLocation(location); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(filepath.Join(s.Dir, location))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return b, nil
}

func (s *FileStorage) Write(location string, data []byte) error {
	if err := validateLocation(location); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(s.Dir, location), data)
}

func (s *FileStorage) Delete(location string) error {
	if err := validateLocation(location); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(s.Dir, location))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// writeFileAtomic writes to a temp file in the target directory and renames
// it into place, so a crash never leaves a half-written file at path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}

	mode := os.FileMode(0o600)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	} else if !os.IsNotExist(err) {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	keepTemp := false
	defer func() {
		_ = tmp.Close()
		if !keepTemp {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(mode); err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	keepTemp = true

	return syncDir(dir)
}

func syncDir(dir string) error {
	if dir == "" {
		dir = "."
	}
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if err := f.Sync(); err != nil {
		// Directory handles cannot be fsynced on windows.
		if runtime.GOOS == "windows" {
			return nil
		}
		return err
	}
	return nil
}
