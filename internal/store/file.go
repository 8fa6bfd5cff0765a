package store

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	logx "dripbot/pkg/logx"
)

// files holds the snapshot paths for one store directory.
//
// Files:
//   - queue.json    (user id -> pending delivery)
//   - registry.json (user id -> enrolment record)
//
// Both are full-map snapshots written atomically (tmp + rename).
type files struct {
	queuePath    string
	registryPath string
}

// Open loads (or initialises) the store under dir. Missing snapshot
// files start empty; a corrupt snapshot is logged and treated as empty
// rather than blocking startup.
func Open(dir string, log logx.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("storage.dir is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &Store{
		files: &files{
			queuePath:    filepath.Join(dir, "queue.json"),
			registryPath: filepath.Join(dir, "registry.json"),
		},
		queue:    map[int64]QueueEntry{},
		registry: map[int64]Record{},
		log:      log,
	}

	if err := loadSnapshot(s.files.queuePath, s.queue, log); err != nil {
		return nil, err
	}
	if err := loadSnapshot(s.files.registryPath, s.registry, log); err != nil {
		return nil, err
	}

	// Backfill the UserID field from the map key; older snapshots may
	// omit it in the value.
	for id, e := range s.queue {
		if e.UserID == 0 {
			e.UserID = id
			s.queue[id] = e
		}
	}
	for id, r := range s.registry {
		if r.UserID == 0 {
			r.UserID = id
			s.registry[id] = r
		}
	}

	return s, nil
}

func loadSnapshot[V any](path string, out map[int64]V, log logx.Logger) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(b) == 0 {
		return nil
	}

	var m map[string]V
	if err := json.Unmarshal(b, &m); err != nil {
		log.Warn("corrupt state snapshot; starting empty",
			logx.String("path", path), logx.Err(err))
		return nil
	}
	for k, v := range m {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			log.Warn("skipping snapshot entry with bad key",
				logx.String("path", path), logx.String("key", k))
			continue
		}
		out[id] = v
	}
	return nil
}

// saveLocked flushes both snapshots. Callers hold s.mu.
func (s *Store) saveLocked() error {
	if err := writeSnapshot(s.files.queuePath, s.queue); err != nil {
		return err
	}
	return writeSnapshot(s.files.registryPath, s.registry)
}

func writeSnapshot[V any](path string, in map[int64]V) error {
	m := make(map[string]V, len(in))
	for id, v := range in {
		m[strconv.FormatInt(id, 10)] = v
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
