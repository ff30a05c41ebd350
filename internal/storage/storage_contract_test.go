package storage

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type storageFactory struct {
	name string
	new  func(t *testing.T) Storage
}

func contractStorageFactories() []storageFactory {
	out := []storageFactory{
		{
			name: "memory",
			new: func(t *testing.T) Storage {
				t.Helper()
				return NewMemoryStorage()
			},
		},
		{
			name: "file",
			new: func(t *testing.T) Storage {
				t.Helper()
				s, err := NewFileStorage(filepath.Join(t.TempDir(), "state"))
				if err != nil {
					t.Fatalf("new file storage: %v", err)
				}
				return s
			},
		},
		{
			name: "sqlite",
			new: func(t *testing.T) Storage {
				t.Helper()
				s, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "courier.db"))
				if err != nil {
					t.Fatalf("new sqlite storage: %v", err)
				}
				t.Cleanup(func() { _ = s.Close() })
				return s
			},
		},
	}

	dsn := strings.TrimSpace(os.Getenv("COURIER_TEST_POSTGRES_DSN"))
	if dsn != "" {
		out = append(out, storageFactory{
			name: "postgres",
			new: func(t *testing.T) Storage {
				t.Helper()
				s, err := NewPostgresStorage(dsn)
				if err != nil {
					t.Fatalf("new postgres storage: %v", err)
				}
				t.Cleanup(func() { _ = s.Close() })
				return s
			},
		})
	}
	return out
}

func TestStorageContract_ReadWriteDelete(t *testing.T) {
	for _, factory := range contractStorageFactories() {
		t.Run(factory.name, func(t *testing.T) {
			s := factory.new(t)
			loc := "contract-" + factory.name + ".json"
			t.Cleanup(func() { _ = s.Delete(loc) })

			if _, err := s.Read(loc); !errors.Is(err, ErrNotFound) {
				t.Fatalf("read missing err=%v, want ErrNotFound", err)
			}
			if err := s.Write(loc, []byte(`{"v":1}`)); err != nil {
				t.Fatalf("write: %v", err)
			}
			if err := s.Write(loc, []byte(`{"v":2}`)); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			got, err := s.Read(loc)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if !bytes.Equal(got, []byte(`{"v":2}`)) {
				t.Fatalf("read=%q", got)
			}
			if err := s.Delete(loc); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if err := s.Delete(loc); err != nil {
				t.Fatalf("delete missing: %v", err)
			}
			if _, err := s.Read(loc); !errors.Is(err, ErrNotFound) {
				t.Fatalf("read after delete err=%v", err)
			}
		})
	}
}

func TestStorageContract_LocationsAreIsolated(t *testing.T) {
	for _, factory := range contractStorageFactories() {
		t.Run(factory.name, func(t *testing.T) {
			s := factory.new(t)
			a, b := "iso-a-"+factory.name, "iso-b-"+factory.name
			t.Cleanup(func() {
				_ = s.Delete(a)
				_ = s.Delete(b)
			})
			if err := s.Write(a, []byte("A")); err != nil {
				t.Fatalf("write a: %v", err)
			}
			if err := s.Write(b, []byte("B")); err != nil {
				t.Fatalf("write b: %v", err)
			}
			if err := s.Delete(a); err != nil {
				t.Fatalf("delete a: %v", err)
			}
			got, err := s.Read(b)
			if err != nil || string(got) != "B" {
				t.Fatalf("read b=%q,%v", got, err)
			}
		})
	}
}

func TestStorageContract_RejectsInvalidLocation(t *testing.T) {
	for _, factory := range contractStorageFactories() {
		t.Run(factory.name, func(t *testing.T) {
			s := factory.new(t)
			for _, loc := range []string{"", "  ", "../escape", "a/b", `a\b`, ".."} {
				if err := s.Write(loc, []byte("x")); !errors.Is(err, ErrInvalidLocation) {
					t.Fatalf("write %q err=%v, want ErrInvalidLocation", loc, err)
				}
			}
		})
	}
}

func TestFileStorage_WriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStorage(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.Write("queue.json", []byte("data")); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "queue.json" {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("dir entries=%v, want [queue.json]", names)
	}
	info, err := os.Stat(filepath.Join(dir, "queue.json"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode=%v, want 0600", info.Mode().Perm())
	}
}

func TestOpen_SelectsBackend(t *testing.T) {
	s, err := Open(Config{Backend: "memory"})
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	if _, ok := s.(*MemoryStorage); !ok {
		t.Fatalf("backend=%T", s)
	}
	s, err = Open(Config{Backend: "sqlite", Path: filepath.Join(t.TempDir(), "x.db")})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := Close(s); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := Open(Config{Backend: "s3"}); !errors.Is(err, ErrUnknownBackend) {
		t.Fatalf("err=%v, want ErrUnknownBackend", err)
	}
}
