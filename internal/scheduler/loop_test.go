package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type staticAccounts []string

func (s staticAccounts) ListAccounts(context.Context) ([]string, error) { return s, nil }

type failingAccounts struct{}

func (failingAccounts) ListAccounts(context.Context) ([]string, error) {
	return nil, errors.New("database is locked")
}

type recordingProc struct {
	mu       sync.Mutex
	seen     []string
	inflight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
	fail     map[string]bool
	ctxErr   error
}

func (p *recordingProc) Name() string { return "recording" }

func (p *recordingProc) ProcessAccount(ctx context.Context, acct string) error {
	n := p.inflight.Add(1)
	defer p.inflight.Add(-1)
	for {
		old := p.peak.Load()
		if n <= old || p.peak.CompareAndSwap(old, n) {
			break
		}
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	p.mu.Lock()
	p.seen = append(p.seen, acct)
	if ctx.Err() != nil {
		p.ctxErr = ctx.Err()
	}
	p.mu.Unlock()
	if p.fail[acct] {
		return fmt.Errorf("boom")
	}
	return nil
}

func (p *recordingProc) accounts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.seen...)
}

func TestTickProcessesEveryAccount(t *testing.T) {
	proc := &recordingProc{}
	l := NewLoop(proc, staticAccounts{"a", "b", "c"}, nil, DefaultConfig(), testLogger())
	if err := l.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := len(proc.accounts()); got != 3 {
		t.Errorf("processed %d accounts, want 3", got)
	}
}

func TestTickBoundsConcurrency(t *testing.T) {
	var accts staticAccounts
	for i := range 12 {
		accts = append(accts, fmt.Sprintf("acct-%d", i))
	}
	proc := &recordingProc{delay: 10 * time.Millisecond}
	cfg := DefaultConfig()
	cfg.PoolSize = 3
	l := NewLoop(proc, accts, nil, cfg, testLogger())
	if err := l.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := proc.peak.Load(); got > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", got)
	}
	if got := len(proc.accounts()); got != 12 {
		t.Errorf("processed %d accounts, want 12", got)
	}
}

func TestTickContinuesPastAccountFailure(t *testing.T) {
	proc := &recordingProc{fail: map[string]bool{"b": true}}
	l := NewLoop(proc, staticAccounts{"a", "b", "c"}, nil, DefaultConfig(), testLogger())
	err := l.Tick(context.Background())
	if err == nil || !strings.Contains(err.Error(), "account b") {
		t.Fatalf("Tick error = %v, want failure for account b", err)
	}
	if got := len(proc.accounts()); got != 3 {
		t.Errorf("processed %d accounts, want 3", got)
	}
}

func TestTickListFailure(t *testing.T) {
	proc := &recordingProc{}
	l := NewLoop(proc, failingAccounts{}, nil, DefaultConfig(), testLogger())
	if err := l.Tick(context.Background()); err == nil {
		t.Fatal("expected error when account listing fails")
	}
	if len(proc.accounts()) != 0 {
		t.Error("no account should be processed")
	}
}

func TestTickWarnsWhenSlow(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	proc := &recordingProc{delay: 20 * time.Millisecond}
	cfg := Config{Interval: time.Second, PoolSize: 1, AcceptableExecutionTime: time.Millisecond}
	l := NewLoop(proc, staticAccounts{"a"}, nil, cfg, logger)
	if err := l.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !strings.Contains(buf.String(), "tick exceeded acceptable execution time") {
		t.Errorf("expected slow tick warning, got log:\n%s", buf.String())
	}
}

func TestHashPartitionerCoversEachAccountOnce(t *testing.T) {
	const instances = 3
	for i := range 50 {
		acct := fmt.Sprintf("acct-%d", i)
		owners := 0
		for idx := range instances {
			if (HashPartitioner{Index: idx, Count: instances, Enabled: true}).Owns(acct) {
				owners++
			}
		}
		if owners != 1 {
			t.Errorf("%s owned by %d instances, want 1", acct, owners)
		}
	}
}

func TestHashPartitionerDisabledOwnsAll(t *testing.T) {
	p := HashPartitioner{Index: 1, Count: 3}
	for _, acct := range []string{"a", "b", "c", "d"} {
		if !p.Owns(acct) {
			t.Errorf("disabled partitioner should own %s", acct)
		}
	}
}

func TestTickSkipsUnownedAccounts(t *testing.T) {
	part := HashPartitioner{Index: 0, Count: 2, Enabled: true}
	var accts staticAccounts
	want := 0
	for i := range 20 {
		acct := fmt.Sprintf("acct-%d", i)
		accts = append(accts, acct)
		if part.Owns(acct) {
			want++
		}
	}
	proc := &recordingProc{}
	l := NewLoop(proc, accts, part, DefaultConfig(), testLogger())
	if err := l.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := len(proc.accounts()); got != want {
		t.Errorf("processed %d accounts, want %d", got, want)
	}
}

func TestStartStop(t *testing.T) {
	proc := &recordingProc{}
	cfg := Config{Interval: 5 * time.Millisecond, PoolSize: 2}
	l := NewLoop(proc, staticAccounts{"a"}, nil, cfg, testLogger())

	errCh := make(chan error, 1)
	go func() { errCh <- l.Start(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(proc.accounts()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(proc.accounts()) == 0 {
		t.Fatal("loop never ticked")
	}
	l.Stop()
	if err := <-errCh; err != nil {
		t.Errorf("Start returned %v after Stop", err)
	}
}

func TestStopWaitsForInFlightTick(t *testing.T) {
	proc := &recordingProc{delay: 50 * time.Millisecond}
	cfg := Config{Interval: time.Millisecond, PoolSize: 1}
	l := NewLoop(proc, staticAccounts{"a"}, nil, cfg, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go l.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for proc.inflight.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	l.Stop()
	if n := proc.inflight.Load(); n != 0 {
		t.Errorf("Stop returned with %d accounts in flight", n)
	}
	proc.mu.Lock()
	defer proc.mu.Unlock()
	if proc.ctxErr != nil {
		t.Errorf("tick observed cancellation: %v", proc.ctxErr)
	}
}

func TestStopBeforeStart(t *testing.T) {
	l := NewLoop(&recordingProc{}, staticAccounts{}, nil, DefaultConfig(), testLogger())
	done := make(chan struct{})
	go func() {
		l.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a loop that never started")
	}
}

func TestDriverRunsAllLoops(t *testing.T) {
	a := &recordingProc{}
	b := &recordingProc{}
	cfg := Config{Interval: 5 * time.Millisecond, PoolSize: 1}
	d := NewDriver(testLogger(),
		NewLoop(a, staticAccounts{"x"}, nil, cfg, testLogger()),
		NewLoop(b, staticAccounts{"y"}, nil, cfg, testLogger()),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for (len(a.accounts()) == 0 || len(b.accounts()) == 0) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	d.Stop()
	if err := <-errCh; err != nil {
		t.Errorf("Start: %v", err)
	}
	if len(a.accounts()) == 0 || len(b.accounts()) == 0 {
		t.Error("both loops should have ticked")
	}
}

func TestDriverTick(t *testing.T) {
	a := &recordingProc{}
	b := &recordingProc{fail: map[string]bool{"y": true}}
	d := NewDriver(testLogger(),
		NewLoop(a, staticAccounts{"x"}, nil, DefaultConfig(), testLogger()),
		NewLoop(b, staticAccounts{"y"}, nil, DefaultConfig(), testLogger()),
	)
	if err := d.Tick(context.Background()); err == nil {
		t.Error("expected error from failing loop")
	}
	if len(a.accounts()) != 1 || len(b.accounts()) != 1 {
		t.Error("each loop should tick once")
	}
}

func TestStartAfterStopReturnsWithoutTicking(t *testing.T) {
	proc := &recordingProc{}
	cfg := Config{Interval: time.Millisecond, PoolSize: 1}
	l := NewLoop(proc, staticAccounts{"a"}, nil, cfg, testLogger())

	l.Stop()
	errCh := make(chan error, 1)
	go func() { errCh <- l.Start(context.Background()) }()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start kept running after Stop")
	}
	if n := len(proc.accounts()); n != 0 {
		t.Errorf("ticked %d accounts after Stop", n)
	}
}

func TestTickRecordsSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })

	proc := &recordingProc{fail: map[string]bool{"b": true}}
	l := NewLoop(proc, staticAccounts{"a", "b"}, nil, DefaultConfig(), testLogger())
	if err := l.Tick(context.Background()); err == nil {
		t.Fatal("expected error from failing account")
	}

	var ticks int
	accounts := map[string]codes.Code{}
	for _, span := range rec.Ended() {
		switch span.Name() {
		case "scheduler.tick":
			ticks++
			if span.Status().Code != codes.Error {
				t.Errorf("tick status = %v, want Error", span.Status().Code)
			}
		case "scheduler.process_account":
			for _, kv := range span.Attributes() {
				if kv.Key == attribute.Key("account_id") {
					accounts[kv.Value.AsString()] = span.Status().Code
				}
			}
		}
	}
	if ticks != 1 {
		t.Errorf("tick spans = %d, want 1", ticks)
	}
	if len(accounts) != 2 || accounts["a"] != codes.Unset || accounts["b"] != codes.Error {
		t.Errorf("account spans = %v", accounts)
	}
}
