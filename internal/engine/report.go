package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spot-arb/internal/core"
	"spot-arb/internal/store"
)

// Timing keeps the extremes and the last duration of a loop phase.
type Timing struct {
	Min     time.Duration
	Max     time.Duration
	Current time.Duration
	Count   int
}

func (t *Timing) add(d time.Duration) {
	if t.Count == 0 || d < t.Min {
		t.Min = d
	}
	if d > t.Max {
		t.Max = d
	}
	t.Current = d
	t.Count++
}

type TimingReport struct {
	CurrentMs float64 `json:"current_ms"`
	MinMs     float64 `json:"min_ms"`
	MaxMs     float64 `json:"max_ms"`
	Count     int     `json:"count"`
}

type BalanceReport struct {
	Currency  string `json:"currency"`
	Available string `json:"available"`
	Placed    string `json:"placed"`
}

type OrderReport struct {
	ID     uint64 `json:"id"`
	Status string `json:"status"`
	Order  string `json:"order"`
}

// Report is the periodic view of a runner published to the logs, the
// monitor and the runtime status file.
type Report struct {
	Session        string                  `json:"session"`
	Mode           string                  `json:"mode"`
	Exchange       string                  `json:"exchange"`
	InstanceID     string                  `json:"instance_id"`
	State          string                  `json:"state"`
	StartedAt      time.Time               `json:"started_at"`
	Uptime         string                  `json:"uptime"`
	MarketTime     time.Time               `json:"market_time,omitempty"`
	Timings        map[string]TimingReport `json:"timings,omitempty"`
	Balances       []BalanceReport         `json:"balances,omitempty"`
	ValueCurrency  string                  `json:"value_currency"`
	Value          string                  `json:"value,omitempty"`
	InitialValue   string                  `json:"initial_value,omitempty"`
	ValueChangePct string                  `json:"value_change_pct,omitempty"`
	ActiveOrders   []OrderReport           `json:"active_orders,omitempty"`
	LastError      string                  `json:"last_error,omitempty"`
	Error          string                  `json:"error,omitempty"`
}

// Report builds the current report. It never fails: a panic while reading
// the state degrades to a report carrying only the error.
func (r *Runner) Report() (rep Report) {
	r.mu.Lock()
	head := Report{
		Session:       r.opts.Session,
		Mode:          r.opts.Mode,
		Exchange:      r.x.Name(),
		InstanceID:    r.opts.InstanceID,
		State:         r.state,
		StartedAt:     r.startedAt,
		ValueCurrency: r.opts.TradeCurrency.String(),
	}
	if !r.startedAt.IsZero() {
		head.Uptime = r.opts.Now().Sub(r.startedAt).Round(time.Second).String()
	}
	if r.lastErr != nil {
		head.LastError = r.lastErr.Error()
	}
	r.mu.Unlock()

	defer func() {
		if v := recover(); v != nil {
			head.Error = fmt.Sprintf("report unavailable: %v", v)
			rep = head
		}
	}()
	rep = head
	r.fillReport(&rep)
	return rep
}

func (r *Runner) fillReport(rep *Report) {
	rep.MarketTime = r.x.Timestamp()

	r.fillValuation(rep)

	available := r.x.Balances()
	placed := r.x.PlacedBalance()
	seen := make(map[core.Currency]decimal.Decimal, len(available)+len(placed))
	for c, v := range available {
		seen[c] = v
	}
	for c := range placed {
		if _, ok := seen[c]; !ok {
			seen[c] = decimal.Zero
		}
	}
	for _, c := range sortedCurrencies(seen) {
		rep.Balances = append(rep.Balances, BalanceReport{
			Currency:  c.String(),
			Available: available[c].String(),
			Placed:    placed[c].String(),
		})
	}

	for _, o := range r.x.Registry().Active() {
		rep.ActiveOrders = append(rep.ActiveOrders, OrderReport{
			ID:     o.ID(),
			Status: string(o.Status()),
			Order:  o.String(),
		})
	}
}

func (r *Runner) fillValuation(rep *Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep.Timings = make(map[string]TimingReport, len(r.timings))
	for name, t := range r.timings {
		rep.Timings[name] = TimingReport{
			CurrentMs: millis(t.Current),
			MinMs:     millis(t.Min),
			MaxMs:     millis(t.Max),
			Count:     t.Count,
		}
	}
	if r.valueKnown {
		rep.Value = r.lastValue.String()
		rep.InitialValue = r.initialValue.String()
		rep.ValueChangePct = core.PercentChange(r.initialValue, r.lastValue).StringFixed(4)
	}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func sortedCurrencies(m map[core.Currency]decimal.Decimal) []core.Currency {
	out := make([]core.Currency, 0, len(m))
	for c := range m {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// reportLoop publishes a report every ReportInterval and sends a heartbeat
// alert every Heartbeat until ctx is done.
func (r *Runner) reportLoop(ctx context.Context) {
	var reports <-chan time.Time
	if r.opts.ReportInterval > 0 {
		t := time.NewTicker(r.opts.ReportInterval)
		defer t.Stop()
		reports = t.C
	}
	var heartbeat <-chan time.Time
	if r.opts.Heartbeat > 0 {
		t := time.NewTicker(r.opts.Heartbeat)
		defer t.Stop()
		heartbeat = t.C
	}
	if reports == nil && heartbeat == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-reports:
			r.publishReport()
		case <-heartbeat:
			rep := r.Report()
			r.alertImportant("heartbeat", map[string]string{
				"uptime":        rep.Uptime,
				"value":         rep.Value,
				"active_orders": fmt.Sprintf("%d", len(rep.ActiveOrders)),
			})
		}
	}
}

func (r *Runner) publishReport() {
	rep := r.Report()
	r.logger.Info("report",
		zap.String("state", rep.State),
		zap.String("uptime", rep.Uptime),
		zap.String("value", rep.Value),
		zap.String("value_change_pct", rep.ValueChangePct),
		zap.Int("active_orders", len(rep.ActiveOrders)),
		zap.String("error", rep.Error),
	)
	if r.opts.Monitor != nil {
		if err := r.opts.Monitor.Publish(rep); err != nil {
			r.logger.Warn("report_publish_failed", zap.Error(err))
		}
	}
	r.saveStatus(rep)
}

// persistStatus writes the runtime status without touching the exchange,
// for use before Init.
func (r *Runner) persistStatus() {
	r.mu.Lock()
	rep := Report{
		Session:    r.opts.Session,
		Mode:       r.opts.Mode,
		Exchange:   r.x.Name(),
		InstanceID: r.opts.InstanceID,
		State:      r.state,
		StartedAt:  r.startedAt,
	}
	r.mu.Unlock()
	r.saveStatus(rep)
}

func (r *Runner) saveStatus(rep Report) {
	if r.opts.Store == nil {
		return
	}
	status := store.RuntimeStatus{
		Session:    rep.Session,
		Mode:       rep.Mode,
		Exchange:   rep.Exchange,
		InstanceID: rep.InstanceID,
		PID:        os.Getpid(),
		State:      rep.State,
		StartedAt:  rep.StartedAt,
		UpdatedAt:  r.opts.Now(),
		LastError:  rep.LastError,
	}
	if data, err := json.Marshal(rep); err == nil {
		status.Report = data
	}
	if err := r.opts.Store.SaveRuntimeStatus(status); err != nil {
		r.logger.Warn("runtime_status_write_failed", zap.Error(err))
	}
}
