package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"msgate/pkg/logx"
)

const (
	sessionDirPrefix = "session-"
	credsFile        = "creds.json"
	deliveriesFile   = "deliveries.jsonl"
)

// fileStore keeps everything under one directory:
//
//   - <path>/session-<id>/creds.json (one directory per session)
//   - <path>/deliveries.jsonl        (append-only JSON Lines)
type fileStore struct {
	log  logx.Logger
	root string

	mu         sync.Mutex
	deliveries *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	root := strings.TrimSpace(cfg.Path)
	if root == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(root, deliveriesFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, root: root, deliveries: f}, nil
}

func (s *fileStore) sessionDir(id string) string {
	return filepath.Join(s.root, sessionDirPrefix+id)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveries == nil {
		return nil
	}
	err := s.deliveries.Close()
	s.deliveries = nil
	return err
}

func (s *fileStore) Exists(_ context.Context, id string) (bool, error) {
	if err := checkKey(id); err != nil {
		return false, err
	}
	_, err := os.Stat(filepath.Join(s.sessionDir(id), credsFile))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

func (s *fileStore) Load(_ context.Context, id string) ([]byte, error) {
	if err := checkKey(id); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(filepath.Join(s.sessionDir(id), credsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return b, err
}

// Save writes through a temp file and rename so a crash never leaves a
// truncated credential file.
func (s *fileStore) Save(_ context.Context, id string, data []byte) error {
	if err := checkKey(id); err != nil {
		return err
	}
	dir := s.sessionDir(id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, credsFile+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, credsFile))
}

func (s *fileStore) Delete(_ context.Context, id string) error {
	if err := checkKey(id); err != nil {
		return err
	}
	return os.RemoveAll(s.sessionDir(id))
}

func (s *fileStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || !strings.HasPrefix(name, sessionDirPrefix) {
			continue
		}
		id := strings.TrimPrefix(name, sessionDirPrefix)
		if id == "" {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, name, credsFile)); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *fileStore) AppendDelivery(_ context.Context, d Delivery) error {
	if d.At.IsZero() {
		d.At = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveries == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.deliveries).Encode(d)
}

func (s *fileStore) RecentDeliveries(_ context.Context, sessionID string, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var ring []Delivery
	err := s.scanLocked(func(d Delivery) {
		if sessionID != "" && d.SessionID != sessionID {
			return
		}
		ring = append(ring, d)
		if len(ring) > limit {
			ring = ring[1:]
		}
	})
	if err != nil {
		return nil, err
	}
	out := make([]Delivery, 0, len(ring))
	for i := len(ring) - 1; i >= 0; i-- {
		out = append(out, ring[i])
	}
	return out, nil
}

// PruneDeliveries rewrites the log without entries older than before.
func (s *fileStore) PruneDeliveries(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveries == nil {
		return 0, ErrClosed
	}

	path := filepath.Join(s.root, deliveriesFile)
	tmp, err := os.CreateTemp(s.root, deliveriesFile+".*.tmp")
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(tmp)
	removed := 0
	var encErr error
	err = s.scanLocked(func(d Delivery) {
		if d.At.Before(before) {
			removed++
			return
		}
		if encErr == nil {
			encErr = enc.Encode(d)
		}
	})
	if err == nil {
		err = encErr
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil || removed == 0 {
		_ = os.Remove(tmp.Name())
		return 0, err
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return 0, err
	}
	_ = s.deliveries.Close()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.deliveries = nil
		return removed, fmt.Errorf("reopen delivery log: %w", err)
	}
	s.deliveries = f
	return removed, nil
}

func (s *fileStore) scanLocked(fn func(Delivery)) error {
	f, err := os.Open(filepath.Join(s.root, deliveriesFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	bad := 0
	for sc.Scan() {
		var d Delivery
		if err := json.Unmarshal(sc.Bytes(), &d); err != nil {
			bad++
			continue
		}
		fn(d)
	}
	if bad > 0 {
		s.log.Debug("skipped malformed delivery lines", logx.Int("count", bad))
	}
	return sc.Err()
}
