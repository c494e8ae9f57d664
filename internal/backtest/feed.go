package backtest

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"spot-arb/internal/core"
	"spot-arb/internal/exchange"
)

// Every field a key must have seen after its first record.
const (
	fieldBid = 1 << iota
	fieldAsk
	fieldAvg
	fieldVolume
	fieldTime
	allFields = fieldBid | fieldAsk | fieldAvg | fieldVolume | fieldTime
)

type pairState struct {
	base  core.Currency
	quote core.Currency
	data  core.Quote
	seen  int
}

// RecordReader replays a pair record written by RecordWriter. Each line
// carries only the fields that changed; the reader keeps the last value of
// every pair and returns the merged view of all pairs seen so far.
type RecordReader struct {
	paths   []string
	index   int
	file    *os.File
	scanner *bufio.Scanner
	line    int

	order []string
	state map[string]*pairState
}

// NewRecordReader opens a record file, or every .jsonl/.ndjson file of a
// directory in name order.
func NewRecordReader(path string) (*RecordReader, error) {
	paths, err := resolveRecordPaths(path)
	if err != nil {
		return nil, err
	}
	r := &RecordReader{paths: paths, state: make(map[string]*pairState)}
	if err := r.openCurrent(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewRecordDecoder replays a record from an already open stream.
func NewRecordDecoder(src io.Reader) *RecordReader {
	return &RecordReader{scanner: newScanner(src), state: make(map[string]*pairState)}
}

func (r *RecordReader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	r.scanner = nil
	return err
}

func (r *RecordReader) Next() ([]exchange.Snapshot, error) {
	for {
		if r.scanner == nil {
			if err := r.openCurrent(); err != nil {
				return nil, err
			}
		}
		if !r.scanner.Scan() {
			if err := r.scanner.Err(); err != nil {
				return nil, err
			}
			_ = r.Close()
			r.scanner = nil
			r.index++
			if r.index >= len(r.paths) {
				return nil, io.EOF
			}
			continue
		}
		r.line++
		line := strings.TrimSpace(r.scanner.Text())
		if line == "" {
			continue
		}
		if err := r.merge(line); err != nil {
			return nil, fmt.Errorf("record line %d: %w", r.line, err)
		}
		return r.snapshots(), nil
	}
}

func (r *RecordReader) merge(line string) error {
	var entries []map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &entries); err != nil {
		return err
	}
	touched := make([]*pairState, 0, len(entries))
	for _, raw := range entries {
		base, err := currencyField(raw, "b")
		if err != nil {
			return err
		}
		quote, err := currencyField(raw, "q")
		if err != nil {
			return err
		}
		key := string(base) + "/" + string(quote)
		st, ok := r.state[key]
		if !ok {
			st = &pairState{base: base, quote: quote}
			r.state[key] = st
			r.order = append(r.order, key)
		}
		for name, dst := range map[string]*decimal.NullDecimal{
			"bid": &st.data.Bid,
			"ask": &st.data.Ask,
			"avg": &st.data.Avg,
			"v":   &st.data.Volume,
		} {
			v, present := raw[name]
			if !present {
				continue
			}
			parsed, err := decodeDecimal(v)
			if err != nil {
				return fmt.Errorf("%s %s: %w", key, name, err)
			}
			*dst = parsed
			st.seen |= fieldFlag(name)
		}
		if v, present := raw["t"]; present {
			ts, err := decodeTime(v)
			if err != nil {
				return fmt.Errorf("%s t: %w", key, err)
			}
			st.data.Timestamp = ts
			st.seen |= fieldTime
		}
		touched = append(touched, st)
	}
	for _, st := range touched {
		if st.seen != allFields {
			return fmt.Errorf("pair %s/%s is missing fields on its first record", st.base, st.quote)
		}
	}
	return nil
}

func (r *RecordReader) snapshots() []exchange.Snapshot {
	out := make([]exchange.Snapshot, 0, len(r.order))
	for _, key := range r.order {
		st := r.state[key]
		out = append(out, exchange.Snapshot{Base: st.base, Quote: st.quote, Data: st.data})
	}
	return out
}

func fieldFlag(name string) int {
	switch name {
	case "bid":
		return fieldBid
	case "ask":
		return fieldAsk
	case "avg":
		return fieldAvg
	default:
		return fieldVolume
	}
}

func currencyField(raw map[string]json.RawMessage, name string) (core.Currency, error) {
	v, ok := raw[name]
	if !ok {
		return "", fmt.Errorf("missing %q", name)
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil || strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("invalid %q: %s", name, string(v))
	}
	return core.Currency(strings.ToUpper(strings.TrimSpace(s))), nil
}

func decodeDecimal(raw json.RawMessage) (decimal.NullDecimal, error) {
	v, err := decodeValue(raw)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	if v == nil {
		return decimal.NullDecimal{}, nil
	}
	dec, ok := parseDecimalValue(v)
	if !ok {
		return decimal.NullDecimal{}, fmt.Errorf("invalid decimal %s", string(raw))
	}
	return core.Known(dec), nil
}

func decodeTime(raw json.RawMessage) (time.Time, error) {
	v, err := decodeValue(raw)
	if err != nil {
		return time.Time{}, err
	}
	if v == nil {
		return time.Time{}, nil
	}
	ts, ok := parseTimeValue(v)
	if !ok {
		return time.Time{}, fmt.Errorf("invalid timestamp %s", string(raw))
	}
	return ts.UTC(), nil
}

func decodeValue(raw json.RawMessage) (interface{}, error) {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func (r *RecordReader) openCurrent() error {
	if r.index >= len(r.paths) {
		return io.EOF
	}
	file, err := os.Open(r.paths[r.index])
	if err != nil {
		return err
	}
	r.file = file
	r.scanner = newScanner(file)
	return nil
}

func newScanner(src io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(src)
	buf := make([]byte, 0, 1024*1024)
	scanner.Buffer(buf, 10*1024*1024)
	return scanner
}

func resolveRecordPaths(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.ToLower(e.Name())
		if !strings.HasSuffix(name, ".jsonl") && !strings.HasSuffix(name, ".ndjson") {
			continue
		}
		paths = append(paths, filepath.Join(path, e.Name()))
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return nil, errors.New("no record files found in directory")
	}
	return paths, nil
}

func parseTimeValue(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		return parseTimeString(t)
	case json.Number:
		if iv, err := t.Int64(); err == nil {
			return parseTimeNumber(iv), true
		}
		if fv, err := t.Float64(); err == nil {
			return parseTimeNumber(int64(fv)), true
		}
	case float64:
		return parseTimeNumber(int64(t)), true
	case int64:
		return parseTimeNumber(t), true
	}
	return time.Time{}, false
}

func parseTimeString(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if allDigits(raw) {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return parseTimeNumber(v), true
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Values below 1e12 are unix seconds, as written by older recorders.
func parseTimeNumber(v int64) time.Time {
	if v >= 1_000_000_000_000 {
		return time.UnixMilli(v)
	}
	return time.Unix(v, 0)
}

func parseDecimalValue(v interface{}) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case json.Number:
		dec, err := decimal.NewFromString(t.String())
		if err != nil {
			return decimal.Zero, false
		}
		return dec, true
	case string:
		if t == "" {
			return decimal.Zero, false
		}
		dec, err := decimal.NewFromString(strings.TrimSpace(t))
		if err != nil {
			return decimal.Zero, false
		}
		return dec, true
	case float64:
		return decimal.NewFromFloat(t), true
	}
	return decimal.Zero, false
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

var _ exchange.Source = (*RecordReader)(nil)
