package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStoreRuntimeStatusRoundTrip(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	started := time.Now().UTC().Add(-time.Minute)
	in := RuntimeStatus{
		Session:    "7f7c",
		Mode:       "simulation",
		Exchange:   "btce",
		InstanceID: "bot1",
		PID:        1234,
		State:      "running",
		StartedAt:  started,
		LastError:  "ticker timeout",
		Report:     json.RawMessage(`{"value":"100"}`),
	}
	if err := s.SaveRuntimeStatus(in); err != nil {
		t.Fatalf("SaveRuntimeStatus() error = %v", err)
	}

	out, ok, err := s.LoadRuntimeStatus()
	if err != nil {
		t.Fatalf("LoadRuntimeStatus() error = %v", err)
	}
	if !ok {
		t.Fatalf("LoadRuntimeStatus() ok = false, want true")
	}
	if out.Session != in.Session || out.Mode != in.Mode || out.Exchange != in.Exchange || out.InstanceID != in.InstanceID {
		t.Fatalf("LoadRuntimeStatus() mismatch basic fields: got %+v want %+v", out, in)
	}
	if out.State != in.State || out.PID != in.PID || out.LastError != in.LastError {
		t.Fatalf("LoadRuntimeStatus() mismatch status fields: got %+v want %+v", out, in)
	}
	if out.UpdatedAt.IsZero() {
		t.Fatalf("updated_at should be set")
	}
	var report map[string]string
	if err := json.Unmarshal(out.Report, &report); err != nil || report["value"] != "100" {
		t.Fatalf("report = %s (%v), want value 100", out.Report, err)
	}
}

func TestStoreLoadRuntimeStatusNotExist(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, ok, err := s.LoadRuntimeStatus()
	if err != nil {
		t.Fatalf("LoadRuntimeStatus() error = %v", err)
	}
	if ok {
		t.Fatalf("LoadRuntimeStatus() ok = true, want false")
	}
}

func TestStoreAppendOrderEventSplitsByDay(t *testing.T) {
	root := t.TempDir()
	s, err := New(root, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	day1 := time.Date(2014, 3, 1, 23, 59, 0, 0, time.UTC)
	day2 := day1.Add(2 * time.Minute)
	events := []OrderEvent{
		{Time: day1, OrderID: 1, Pair: "BTC/USD", Kind: "sell", Status: "completed", Rate: "600", Amount: "0.1"},
		{Time: day1, OrderID: 2, Pair: "USD/EUR", Kind: "sell", Status: "canceled", Message: "not enough balance"},
		{Time: day2, OrderID: 3, Pair: "EUR/BTC", Kind: "buy", Status: "completed"},
	}
	for _, ev := range events {
		if err := s.AppendOrderEvent(ev); err != nil {
			t.Fatalf("AppendOrderEvent() error = %v", err)
		}
	}

	got, err := s.OrderEvents(day1)
	if err != nil {
		t.Fatalf("OrderEvents() error = %v", err)
	}
	if len(got) != 2 || got[0].OrderID != 1 || got[1].Message != "not enough balance" {
		t.Fatalf("OrderEvents(day1) = %+v, want orders 1 and 2", got)
	}
	got, err = s.OrderEvents(day2)
	if err != nil {
		t.Fatalf("OrderEvents() error = %v", err)
	}
	if len(got) != 1 || got[0].OrderID != 3 {
		t.Fatalf("OrderEvents(day2) = %+v, want order 3", got)
	}
	if _, err := os.Stat(filepath.Join(root, "orders", "2014-03-02.jsonl")); err != nil {
		t.Fatalf("journal file for day2 missing: %v", err)
	}
}

func TestStoreOrderEventsMissingDay(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	got, err := s.OrderEvents(time.Now())
	if err != nil || got != nil {
		t.Fatalf("OrderEvents() = %v, %v, want nil, nil", got, err)
	}
}
