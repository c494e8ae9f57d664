package backtest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"spot-arb/internal/exchange"
)

type recordEntry struct {
	B   string          `json:"b"`
	Q   string          `json:"q"`
	Bid json.RawMessage `json:"bid,omitempty"`
	Ask json.RawMessage `json:"ask,omitempty"`
	Avg json.RawMessage `json:"avg,omitempty"`
	V   json.RawMessage `json:"v,omitempty"`
	T   json.RawMessage `json:"t,omitempty"`
}

// RecordWriter appends one line per refresh. Fields equal to the last value
// written for the same pair are omitted.
type RecordWriter struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
	last map[string]recordEntry
}

func NewRecordWriter(path string) (*RecordWriter, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	w := NewRecordEncoder(f)
	w.file = f
	return w, nil
}

func NewRecordEncoder(dst io.Writer) *RecordWriter {
	return &RecordWriter{buf: bufio.NewWriter(dst), last: make(map[string]recordEntry)}
}

func (w *RecordWriter) Record(snaps []exchange.Snapshot) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entries := make([]recordEntry, 0, len(snaps))
	for _, s := range snaps {
		key := string(s.Base) + "/" + string(s.Quote)
		full := recordEntry{
			B:   string(s.Base),
			Q:   string(s.Quote),
			Bid: encodeDecimal(s.Data.Bid),
			Ask: encodeDecimal(s.Data.Ask),
			Avg: encodeDecimal(s.Data.Avg),
			V:   encodeDecimal(s.Data.Volume),
			T:   encodeTime(s.Data.Timestamp),
		}
		diff := full
		if prev, ok := w.last[key]; ok {
			diff.Bid = changed(prev.Bid, full.Bid)
			diff.Ask = changed(prev.Ask, full.Ask)
			diff.Avg = changed(prev.Avg, full.Avg)
			diff.V = changed(prev.V, full.V)
			diff.T = changed(prev.T, full.T)
		}
		w.last[key] = full
		if diff.Bid == nil && diff.Ask == nil && diff.Avg == nil && diff.V == nil && diff.T == nil {
			continue
		}
		entries = append(entries, diff)
	}
	line, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	if _, err := w.buf.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return w.buf.Flush()
}

func (w *RecordWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	flushErr := w.buf.Flush()
	if w.file == nil {
		return flushErr
	}
	if err := w.file.Sync(); err != nil && flushErr == nil {
		flushErr = err
	}
	if err := w.file.Close(); err != nil && flushErr == nil {
		flushErr = err
	}
	w.file = nil
	return flushErr
}

func changed(prev, next json.RawMessage) json.RawMessage {
	if bytes.Equal(prev, next) {
		return nil
	}
	return next
}

var null = json.RawMessage("null")

func encodeDecimal(v decimal.NullDecimal) json.RawMessage {
	if !v.Valid {
		return null
	}
	return json.RawMessage(strconv.Quote(v.Decimal.String()))
}

func encodeTime(t time.Time) json.RawMessage {
	if t.IsZero() {
		return null
	}
	return json.RawMessage(strconv.FormatInt(t.UnixMilli(), 10))
}

var _ exchange.Recorder = (*RecordWriter)(nil)
