package storage

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// FileKV keeps every key in one JSON document on disk. It is loaded once on
// open and rewritten on every Set. A file that cannot be read or decoded is
// logged and the store starts empty; an undecodable file is first moved to
// path+".corrupt".
type FileKV struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
	data   map[string]json.RawMessage
}

type FileOption func(*FileKV)

func WithLogger(l *slog.Logger) FileOption {
	return func(f *FileKV) {
		if l != nil {
			f.logger = l
		}
	}
}

func NewFileKV(path string, opts ...FileOption) (*FileKV, error) {
	if path == "" {
		return nil, errors.New("file store path is empty")
	}
	f := &FileKV{
		path:   path,
		logger: slog.Default(),
		data:   make(map[string]json.RawMessage),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.load()
	return f, nil
}

func (f *FileKV) load() {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		f.logger.Warn("file store unreadable, starting empty", "path", f.path, "error", err)
		return
	}
	if len(blob) == 0 {
		return
	}
	if err := json.Unmarshal(blob, &f.data); err != nil {
		f.data = make(map[string]json.RawMessage)
		aside := f.path + ".corrupt"
		if rerr := os.Rename(f.path, aside); rerr != nil {
			f.logger.Error("file store corrupt and could not be moved aside, starting empty",
				"path", f.path, "error", err, "rename_error", rerr)
			return
		}
		f.logger.Error("file store corrupt, moved aside and starting empty",
			"path", f.path, "moved_to", aside, "error", err)
	}
}

func (f *FileKV) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileKV) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Set stores value, which must be valid JSON.
func (f *FileKV) Set(_ context.Context, key string, value []byte) error {
	if !json.Valid(value) {
		return errors.New("file store values must be valid JSON")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = append(json.RawMessage(nil), value...)
	return f.persist()
}
