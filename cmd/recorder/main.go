// Command recorder polls the public BTC-e ticker and appends every refresh
// to a record file that the bot can replay.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"spot-arb/internal/backtest"
	"spot-arb/internal/core"
	"spot-arb/internal/exchange"
	"spot-arb/internal/exchange/btce"
	"spot-arb/internal/logging"
)

const (
	defaultBaseURL = "https://btc-e.com"
	defaultOut     = "data/btce/pairs.jsonl"
)

type recordOptions struct {
	BaseURL  string
	Out      string
	Interval time.Duration
	// Count stops after that many refreshes. Zero records until canceled.
	Count   int
	Timeout time.Duration
	Logger  *zap.Logger
}

func main() {
	var (
		baseURL  string
		out      string
		interval time.Duration
		count    int
		timeout  int
		logLevel string
	)
	flag.StringVar(&baseURL, "base-url", defaultBaseURL, "BTC-e public API base URL")
	flag.StringVar(&out, "out", defaultOut, "record file to append to")
	flag.DurationVar(&interval, "interval", time.Second, "delay between two ticker refreshes")
	flag.IntVar(&count, "count", 0, "number of refreshes to record (0 = until interrupted)")
	flag.IntVar(&timeout, "timeout", 15, "HTTP timeout in seconds")
	flag.StringVar(&logLevel, "log-level", "info", "log level")
	flag.Parse()

	logger, err := logging.New(logging.Options{Level: logLevel})
	if err != nil {
		fatal(err.Error())
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := record(ctx, recordOptions{
		BaseURL:  baseURL,
		Out:      out,
		Interval: interval,
		Count:    count,
		Timeout:  time.Duration(timeout) * time.Second,
		Logger:   logger,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		fatal(err.Error())
	}
	fmt.Printf("recorded=%d out=%s\n", n, out)
}

// record returns the number of refreshes written. Failed refreshes are
// logged and retried on the next tick.
func record(ctx context.Context, opts recordOptions) (int, error) {
	if opts.Interval <= 0 {
		return 0, errors.New("interval must be > 0")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	w, err := backtest.NewRecordWriter(opts.Out)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := w.Close(); err != nil {
			logger.Warn("record_close_failed", zap.Error(err))
		}
	}()

	client := btce.NewClientWithOptions(btce.Options{
		PublicBaseURL:  opts.BaseURL,
		HTTPTimeoutSec: int64(opts.Timeout / time.Second),
		Logger:         logger,
	})
	x, err := exchange.New(client, exchange.Options{
		Mode:     core.Simulation,
		Recorder: w,
		Logger:   logger,
	})
	if err != nil {
		return 0, err
	}
	if err := x.Initialize(ctx); err != nil {
		return 0, err
	}

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()
	recorded := 0
	for {
		if _, err := x.UpdatePairs(ctx); err != nil {
			if ctx.Err() != nil {
				return recorded, ctx.Err()
			}
			logger.Warn("record_refresh_failed", zap.Error(err))
		} else {
			recorded++
			logger.Debug("record_refresh", zap.Int("recorded", recorded), zap.Time("t", x.Timestamp()))
		}
		if opts.Count > 0 && recorded >= opts.Count {
			return recorded, nil
		}
		select {
		case <-ctx.Done():
			return recorded, ctx.Err()
		case <-ticker.C:
		}
	}
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
