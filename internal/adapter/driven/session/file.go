package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const fileExt = ".json"

// fileEnvelope is the on-disk form of one key. Deletes are written as
// tombstones so watchers can tell who made them.
type fileEnvelope struct {
	Origin    string    `json:"origin"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
	Deleted   bool      `json:"deleted,omitempty"`
	Value     []byte    `json:"value,omitempty"`
}

// FileBackend keeps one file per key under dir, so separate processes of the
// same user on one machine observe each other through the filesystem.
type FileBackend struct {
	dir    string
	origin string
	clock  clock.Clock

	mu     sync.Mutex
	closed chan struct{}
}

func NewFileBackend(dir string, clk clock.Clock) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	if clk == nil {
		clk = clock.New()
	}
	return &FileBackend{
		dir:    dir,
		origin: uuid.New().String(),
		clock:  clk,
		closed: make(chan struct{}),
	}, nil
}

func (f *FileBackend) path(key string) string {
	return filepath.Join(f.dir, key+fileExt)
}

func (f *FileBackend) read(path string) (fileEnvelope, error) {
	var env fileEnvelope
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return env, errNotFound
	}
	if err != nil {
		return env, err
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return env, nil
}

func (f *FileBackend) write(key string, env fileEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(f.dir, "."+key+"-*.tmp")
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", key, err)
	}
	return os.Rename(tmp.Name(), f.path(key))
}

func (f *FileBackend) Get(_ context.Context, key string) ([]byte, error) {
	env, err := f.read(f.path(key))
	if err != nil {
		return nil, err
	}
	if env.Deleted {
		return nil, errNotFound
	}
	if !env.ExpiresAt.IsZero() && !f.clock.Now().Before(env.ExpiresAt) {
		return nil, errNotFound
	}
	return env.Value, nil
}

func (f *FileBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	env := fileEnvelope{Origin: f.origin, Value: value}
	if ttl > 0 {
		env.ExpiresAt = f.clock.Now().Add(ttl)
	}
	return f.write(key, env)
}

func (f *FileBackend) Delete(_ context.Context, key string) error {
	if _, err := os.Stat(f.path(key)); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return f.write(key, fileEnvelope{Origin: f.origin, Deleted: true})
}

func (f *FileBackend) Watch(fn func(key string, value []byte)) (func(), error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(f.dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", f.dir, err)
	}

	done := make(chan struct{})
	go f.watchLoop(w, done, fn)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			w.Close()
		})
	}, nil
}

func (f *FileBackend) watchLoop(w *fsnotify.Watcher, done chan struct{}, fn func(string, []byte)) {
	for {
		select {
		case <-done:
			return
		case <-f.closed:
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			base := filepath.Base(event.Name)
			if strings.HasPrefix(base, ".") || !strings.HasSuffix(base, fileExt) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			env, err := f.read(event.Name)
			if err != nil {
				// partially written or already replaced; the next event carries the final state
				continue
			}
			if env.Origin == f.origin {
				continue
			}
			key := strings.TrimSuffix(base, fileExt)
			if env.Deleted {
				fn(key, nil)
				continue
			}
			fn(key, env.Value)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("dir", f.dir).Msg("Store watcher error")
		}
	}
}

func (f *FileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}
