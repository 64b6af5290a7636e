package store

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStore keeps each artifact in <dir>/<key>.json and the log in
// <dir>/did.jsonl. Artifacts are replaced atomically via rename.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

func (s *FileStore) Get(key string) ([]byte, error) {
	b, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrNotFound, key)
	}
	return b, nil
}

func (s *FileStore) Put(key string, v any) ([]byte, error) {
	b, err := Encode(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", key, err)
	}
	if err := s.replace(s.path(key), b); err != nil {
		return nil, fmt.Errorf("writing %s: %w", key, err)
	}
	return b, nil
}

func (s *FileStore) replace(path string, b []byte) error {
	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	// CreateTemp makes the file owner-only
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), path)
}

func (s *FileStore) History() ([][]byte, error) {
	b, err := os.ReadFile(filepath.Join(s.dir, HistoryFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return splitLines(b), nil
}

func (s *FileStore) AppendLogLine(v any) error {
	line, err := encodeLine(v)
	if err != nil {
		return fmt.Errorf("encoding log line: %w", err)
	}

	fi, err := os.OpenFile(filepath.Join(s.dir, HistoryFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer fi.Close()

	if _, err := fi.Write(line); err != nil {
		return err
	}
	return fi.Sync()
}

func (s *FileStore) Reset() error {
	for _, key := range Artifacts {
		if err := s.replace(s.path(key), nil); err != nil {
			return err
		}
	}
	return s.replace(filepath.Join(s.dir, HistoryFile), nil)
}
