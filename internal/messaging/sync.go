package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/nostrdm/internal/bus"
	"github.com/matheus3301/nostrdm/internal/envelope"
	"github.com/matheus3301/nostrdm/internal/signer"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// jitterWindow is how far back a sync cycle looks past its checkpoint,
// since gift wraps carry backdated timestamps.
const jitterWindow = envelope.MaxJitter

// BackoffConfig bounds the polling interval of the background sync.
type BackoffConfig struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
}

// DefaultBackoff polls every minute while messages arrive and backs off to
// ten minutes when relays stay quiet.
var DefaultBackoff = BackoffConfig{Min: time.Minute, Max: 10 * time.Minute, Factor: 1.5}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.Min <= 0 {
		c.Min = DefaultBackoff.Min
	}
	if c.Max < c.Min {
		c.Max = max(DefaultBackoff.Max, c.Min)
	}
	if c.Factor <= 1 {
		c.Factor = DefaultBackoff.Factor
	}
	return c
}

// Backoff is the adaptive polling schedule. It is not safe for concurrent use.
type Backoff struct {
	cfg      BackoffConfig
	interval time.Duration
	empty    int
}

// NewBackoff starts a schedule at cfg.Min.
func NewBackoff(cfg BackoffConfig) *Backoff {
	cfg = cfg.withDefaults()
	return &Backoff{cfg: cfg, interval: cfg.Min}
}

// Empty records a cycle that found nothing (or failed) and stretches the interval.
func (b *Backoff) Empty() time.Duration {
	next := time.Duration(float64(b.interval) * b.cfg.Factor)
	b.interval = min(next, b.cfg.Max)
	b.empty++
	return b.interval
}

// Reset records a cycle that found new messages.
func (b *Backoff) Reset() time.Duration {
	b.interval = b.cfg.Min
	b.empty = 0
	return b.interval
}

// Interval is the wait before the next cycle.
func (b *Backoff) Interval() time.Duration { return b.interval }

// EmptyCycles counts consecutive cycles without new messages.
func (b *Backoff) EmptyCycles() int { return b.empty }

// SyncStatus is a snapshot of the background sync loop.
type SyncStatus struct {
	Running     bool
	Interval    time.Duration
	EmptyCycles int
	LastCycleAt time.Time
	LastNew     int
	LastError   string
}

// Syncer polls relays for new gift wraps on an adaptive schedule. At most
// one loop runs per Syncer.
type Syncer struct {
	svc    *Service
	cfg    BackoffConfig
	logger *zap.Logger

	ops sync.Mutex // serializes Start and Stop

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	backoff *Backoff
	status  SyncStatus
}

func newSyncer(svc *Service, cfg BackoffConfig) *Syncer {
	return &Syncer{
		svc:     svc,
		cfg:     cfg,
		logger:  svc.logger.Named("sync"),
		backoff: NewBackoff(cfg),
	}
}

// Start launches the loop for sg. It returns false if a loop is already running.
func (y *Syncer) Start(sg signer.Signer) bool {
	y.ops.Lock()
	defer y.ops.Unlock()

	y.mu.Lock()
	if y.cancel != nil {
		y.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(y.svc.ctx)
	done := make(chan struct{})
	y.cancel = cancel
	y.done = done
	y.backoff = NewBackoff(y.cfg)
	y.status = SyncStatus{Running: true, Interval: y.backoff.Interval()}
	y.mu.Unlock()

	y.logger.Info("background sync started", zap.Duration("interval", y.cfg.Min))
	y.svc.bus.Publish(bus.NewEvent(bus.KindSyncStarted, nil))
	go y.loop(ctx, sg, done)
	return true
}

// Stop cancels the loop and waits for it to exit. It is safe to call when
// nothing is running.
func (y *Syncer) Stop() {
	y.ops.Lock()
	defer y.ops.Unlock()

	y.mu.Lock()
	cancel, done := y.cancel, y.done
	y.cancel, y.done = nil, nil
	y.status.Running = false
	y.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	<-done
	y.logger.Info("background sync stopped")
	y.svc.bus.Publish(bus.NewEvent(bus.KindSyncStopped, nil))
}

// Running reports whether the loop is active.
func (y *Syncer) Running() bool {
	y.mu.Lock()
	defer y.mu.Unlock()
	return y.cancel != nil
}

// Status returns a snapshot of the loop state.
func (y *Syncer) Status() SyncStatus {
	y.mu.Lock()
	defer y.mu.Unlock()
	return y.status
}

func (y *Syncer) loop(ctx context.Context, sg signer.Signer, done chan struct{}) {
	defer close(done)
	for {
		n, err := y.RunOnce(ctx, sg)
		if ctx.Err() != nil {
			return
		}

		y.mu.Lock()
		var interval time.Duration
		if err != nil || n == 0 {
			interval = y.backoff.Empty()
		} else {
			interval = y.backoff.Reset()
		}
		y.status.Interval = interval
		y.status.EmptyCycles = y.backoff.EmptyCycles()
		y.status.LastCycleAt = time.Now()
		y.status.LastNew = n
		y.status.LastError = ""
		if err != nil {
			y.status.LastError = err.Error()
		}
		status := y.status
		y.mu.Unlock()

		if err != nil {
			y.logger.Warn("sync cycle failed", zap.Error(err), zap.Duration("next", interval))
		} else {
			y.logger.Debug("sync cycle", zap.Int("new", n), zap.Duration("next", interval))
		}
		y.svc.bus.Publish(bus.NewEvent(bus.KindSyncCycle, status))

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// RunOnce performs a single sync cycle and returns how many new messages it
// stored. Only wraps not processed before count.
func (y *Syncer) RunOnce(ctx context.Context, sg signer.Signer) (int, error) {
	s := y.svc
	me, err := sg.GetPublicKey(ctx)
	if err != nil {
		return 0, fmt.Errorf("get public key: %w", err)
	}
	c, err := s.caches.Initialize(ctx, me)
	if err != nil {
		return 0, err
	}
	checkpoint, err := c.Checkpoint(ctx, checkpointKey)
	if err != nil {
		return 0, fmt.Errorf("read checkpoint: %w", err)
	}

	since := int64(0)
	if checkpoint > 0 {
		since = checkpoint - int64(jitterWindow/time.Second)
	}
	started := time.Now().Unix()
	res := s.transport.Query(ctx, []nostr.Filter{wrapFilter(me, since)})
	if !res.Success {
		return 0, fmt.Errorf("%w: failed %v", ErrFetchFailed, res.FailedRelays)
	}

	wraps := s.unseen(res.Events)
	fresh := 0
	if len(wraps) > 0 {
		msgs := s.decryptWraps(ctx, sg.NIP44(), me, wraps)
		fresh = len(s.ingest(ctx, c, me, msgs))
	}
	if err := c.SetCheckpoint(ctx, checkpointKey, started); err != nil {
		return fresh, fmt.Errorf("record checkpoint: %w", err)
	}
	return fresh, nil
}
