package websocket

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type countingLedger struct {
	fakeLedger
	sweeps atomic.Int32
	ttl    atomic.Int64
}

func (l *countingLedger) ExpireStale(ctx context.Context, ttl time.Duration) (int64, error) {
	l.sweeps.Add(1)
	l.ttl.Store(int64(ttl))
	return 2, nil
}

func TestSessionCleanupService(t *testing.T) {
	ledger := &countingLedger{}
	service := NewSessionCleanupService(ledger, CleanupConfig{
		Interval:     20 * time.Millisecond,
		InitialDelay: time.Millisecond,
		StaleAfter:   time.Hour,
	}, zaptest.NewLogger(t))

	service.Start()
	eventually(t, func() bool { return ledger.sweeps.Load() >= 2 }, "expected repeated sweeps")
	service.Stop()

	sweeps := ledger.sweeps.Load()
	time.Sleep(50 * time.Millisecond)
	if ledger.sweeps.Load() != sweeps {
		t.Error("Expected no sweeps after Stop")
	}
	if got := time.Duration(ledger.ttl.Load()); got != time.Hour {
		t.Errorf("Expected ttl of 1h, got %s", got)
	}
}

func TestDefaultCleanupConfig(t *testing.T) {
	config := DefaultCleanupConfig()
	if config.Interval <= 0 || config.InitialDelay <= 0 || config.StaleAfter <= 0 {
		t.Errorf("Expected positive durations, got %+v", config)
	}
}
