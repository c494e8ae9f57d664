package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RuntimeStatus is the last known state of a running bot. Report carries
// the latest periodic report as produced by the runner.
type RuntimeStatus struct {
	Session    string          `json:"session"`
	Mode       string          `json:"mode"`
	Exchange   string          `json:"exchange"`
	InstanceID string          `json:"instance_id"`
	PID        int             `json:"pid"`
	State      string          `json:"state"`
	StartedAt  time.Time       `json:"started_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	LastError  string          `json:"last_error,omitempty"`
	Report     json.RawMessage `json:"report,omitempty"`
}

// OrderEvent is one terminal order transition in the journal.
type OrderEvent struct {
	Time    time.Time `json:"time"`
	Session string    `json:"session,omitempty"`
	OrderID uint64    `json:"order_id"`
	Pair    string    `json:"pair"`
	Kind    string    `json:"kind"`
	Status  string    `json:"status"`
	Rate    string    `json:"rate,omitempty"`
	Amount  string    `json:"amount,omitempty"`
	Message string    `json:"message,omitempty"`
}

type Persister interface {
	SaveRuntimeStatus(status RuntimeStatus) error
	AppendOrderEvent(ev OrderEvent) error
}

type Store struct {
	root   string
	logger *zap.Logger
	mu     sync.Mutex
}

func New(root string, logger *zap.Logger) (*Store, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{root: root, logger: logger.With(zap.String("component", "store"))}, nil
}

func (s *Store) Root() string { return s.root }

func (s *Store) SaveRuntimeStatus(status RuntimeStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSONAtomic(s.runtimeStatusPath(), status)
}

func (s *Store) LoadRuntimeStatus() (RuntimeStatus, bool, error) {
	data, err := os.ReadFile(s.runtimeStatusPath())
	if err != nil {
		if os.IsNotExist(err) {
			return RuntimeStatus{}, false, nil
		}
		return RuntimeStatus{}, false, err
	}
	var status RuntimeStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return RuntimeStatus{}, false, err
	}
	return status, true, nil
}

// AppendOrderEvent appends ev to the journal file of its UTC day.
func (s *Store) AppendOrderEvent(ev OrderEvent) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, "orders")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.journalPath(ev.Time), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// OrderEvents reads the journal of the UTC day of day.
func (s *Store) OrderEvents(day time.Time) ([]OrderEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.journalPath(day))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	var out []OrderEvent
	dec := json.NewDecoder(f)
	for dec.More() {
		var ev OrderEvent
		if err := dec.Decode(&ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *Store) runtimeStatusPath() string {
	return filepath.Join(s.root, "runtime_status.json")
}

func (s *Store) journalPath(t time.Time) string {
	return filepath.Join(s.root, "orders", t.UTC().Format("2006-01-02")+".jsonl")
}

func (s *Store) writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	s.fsyncDir(dir, path)
	return nil
}

// fsyncDir is best effort: the rename already happened.
func (s *Store) fsyncDir(dir, path string) {
	d, err := os.Open(dir)
	if err != nil {
		s.logger.Warn("store_dir_fsync_skipped", zap.Error(err), zap.String("dir", dir), zap.String("target", path))
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		s.logger.Warn("store_dir_fsync_failed", zap.Error(err), zap.String("dir", dir), zap.String("target", path))
	}
}
