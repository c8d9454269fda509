package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPublishTimeout = 15 * time.Second
	DefaultQueryTimeout   = 10 * time.Second
	DefaultConnectTimeout = 10 * time.Second

	// A dropped live subscription is reopened after DefaultResubscribeDelay,
	// doubling on every failed attempt up to MaxResubscribeDelay.
	DefaultResubscribeDelay = 2 * time.Second
	MaxResubscribeDelay     = time.Minute
)

// ErrPublishFailed is returned when no relay accepted an event.
var ErrPublishFailed = errors.New("no relay accepted the event")

// ErrNoRelays is returned when the pool has no relay URLs configured.
var ErrNoRelays = errors.New("no relays configured")

// PublishResult reports which relays accepted an event.
type PublishResult struct {
	Success         bool
	PublishedRelays []string
	FailedRelays    []string
}

// Err returns ErrPublishFailed when no relay accepted the event.
func (r PublishResult) Err() error {
	if r.Success {
		return nil
	}
	return fmt.Errorf("%w (failed: %v)", ErrPublishFailed, r.FailedRelays)
}

// QueryResult holds the events returned by a query, deduplicated by id.
type QueryResult struct {
	Success      bool
	Events       []*nostr.Event
	FailedRelays []string
}

// Transport is the relay contract the messaging core consumes.
type Transport interface {
	Publish(ctx context.Context, evt nostr.Event) PublishResult
	Query(ctx context.Context, filters []nostr.Filter) QueryResult
	Subscribe(ctx context.Context, filters []nostr.Filter, onEvent func(*nostr.Event)) (func(), error)
}

// Pool fans publish, query and subscribe calls out to a fixed set of relays.
// Connections are opened lazily and reused; a relay that times out or errors
// has its connection closed and reopened on the next call.
type Pool struct {
	urls   []string
	logger *zap.Logger

	PublishTimeout   time.Duration
	QueryTimeout     time.Duration
	ConnectTimeout   time.Duration
	ResubscribeDelay time.Duration

	mu    sync.Mutex
	conns map[string]*nostr.Relay
}

// NewPool creates a pool over the given relay URLs.
func NewPool(urls []string, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		urls:           append([]string(nil), urls...),
		logger:         logger,
		PublishTimeout:   DefaultPublishTimeout,
		QueryTimeout:     DefaultQueryTimeout,
		ConnectTimeout:   DefaultConnectTimeout,
		ResubscribeDelay: DefaultResubscribeDelay,
		conns:            make(map[string]*nostr.Relay),
	}
}

// URLs returns the configured relay URLs.
func (p *Pool) URLs() []string {
	return append([]string(nil), p.urls...)
}

func (p *Pool) ensure(ctx context.Context, url string) (*nostr.Relay, error) {
	p.mu.Lock()
	r, ok := p.conns[url]
	p.mu.Unlock()
	if ok && r.IsConnected() {
		return r, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, p.ConnectTimeout)
	defer cancel()
	r, err := nostr.RelayConnect(connectCtx, url)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", url, err)
	}

	p.mu.Lock()
	if old, ok := p.conns[url]; ok && old != r {
		_ = old.Close()
	}
	p.conns[url] = r
	p.mu.Unlock()
	return r, nil
}

// drop force-closes the connection to url so the next call reconnects.
func (p *Pool) drop(url string) {
	p.mu.Lock()
	r, ok := p.conns[url]
	delete(p.conns, url)
	p.mu.Unlock()
	if ok {
		_ = r.Close()
	}
}

// Publish sends evt to every relay and waits for all of them to settle.
func (p *Pool) Publish(ctx context.Context, evt nostr.Event) PublishResult {
	var (
		mu  sync.Mutex
		res PublishResult
		g   errgroup.Group
	)
	for _, url := range p.urls {
		g.Go(func() error {
			err := p.publishOne(ctx, url, evt)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				p.logger.Warn("publish failed", zap.String("relay", url), zap.String("event_id", evt.ID), zap.Error(err))
				res.FailedRelays = append(res.FailedRelays, url)
				return nil
			}
			res.PublishedRelays = append(res.PublishedRelays, url)
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(res.PublishedRelays)
	sort.Strings(res.FailedRelays)
	res.Success = len(res.PublishedRelays) > 0
	return res
}

func (p *Pool) publishOne(ctx context.Context, url string, evt nostr.Event) error {
	ctx, cancel := context.WithTimeout(ctx, p.PublishTimeout)
	defer cancel()

	r, err := p.ensure(ctx, url)
	if err != nil {
		return err
	}
	if err := r.Publish(ctx, evt); err != nil {
		p.drop(url)
		return err
	}
	return nil
}

// Query runs filters against every relay until each one reports end of stored
// events or times out. Events are deduplicated by id and sorted newest first.
func (p *Pool) Query(ctx context.Context, filters []nostr.Filter) QueryResult {
	var (
		mu   sync.Mutex
		res  QueryResult
		seen = make(map[string]struct{})
		ok   int
		g    errgroup.Group
	)
	for _, url := range p.urls {
		g.Go(func() error {
			events, err := p.queryOne(ctx, url, filters)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				p.logger.Warn("query failed", zap.String("relay", url), zap.Error(err))
				res.FailedRelays = append(res.FailedRelays, url)
			} else {
				ok++
			}
			for _, evt := range events {
				if _, dup := seen[evt.ID]; dup {
					continue
				}
				seen[evt.ID] = struct{}{}
				res.Events = append(res.Events, evt)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(res.Events, func(i, j int) bool {
		return res.Events[i].CreatedAt > res.Events[j].CreatedAt
	})
	sort.Strings(res.FailedRelays)
	res.Success = ok > 0
	return res
}

func (p *Pool) queryOne(ctx context.Context, url string, filters []nostr.Filter) ([]*nostr.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, p.QueryTimeout)
	defer cancel()

	r, err := p.ensure(ctx, url)
	if err != nil {
		return nil, err
	}
	sub, err := r.Subscribe(ctx, nostr.Filters(filters))
	if err != nil {
		p.drop(url)
		return nil, fmt.Errorf("subscribe %s: %w", url, err)
	}
	defer sub.Unsub()

	var events []*nostr.Event
	for {
		select {
		case evt, open := <-sub.Events:
			if !open {
				return events, nil
			}
			events = append(events, evt)
		case <-sub.EndOfStoredEvents:
			return events, nil
		case <-ctx.Done():
			p.drop(url)
			return events, fmt.Errorf("query %s: %w", url, ctx.Err())
		}
	}
}

// Subscribe opens a live subscription on every relay in parallel. onEvent is
// called once per distinct event id, from the relays' reader goroutines.
// Relays that drop, or could not be reached at first, are resubscribed in
// the background. It fails only when no relay could be subscribed at all.
// The returned function closes all subscriptions.
func (p *Pool) Subscribe(ctx context.Context, filters []nostr.Filter, onEvent func(*nostr.Event)) (func(), error) {
	if len(p.urls) == 0 {
		return nil, ErrNoRelays
	}
	ctx, cancel := context.WithCancel(ctx)

	var (
		mu   sync.Mutex
		seen = make(map[string]struct{})
		wg   sync.WaitGroup
	)
	deliver := func(evt *nostr.Event) {
		mu.Lock()
		if _, dup := seen[evt.ID]; dup {
			mu.Unlock()
			return
		}
		seen[evt.ID] = struct{}{}
		mu.Unlock()
		onEvent(evt)
	}

	opened := make(chan bool, len(p.urls))
	for _, url := range p.urls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.follow(ctx, url, filters, deliver, opened)
		}()
	}
	live := 0
	for range p.urls {
		if <-opened {
			live++
		}
	}
	if live == 0 {
		cancel()
		wg.Wait()
		return nil, fmt.Errorf("subscribe: no relay reachable out of %d", len(p.urls))
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}, nil
}

// follow keeps url subscribed until ctx ends. The outcome of the first
// attempt is sent on opened.
func (p *Pool) follow(ctx context.Context, url string, filters []nostr.Filter, deliver func(*nostr.Event), opened chan<- bool) {
	base := p.ResubscribeDelay
	if base <= 0 {
		base = DefaultResubscribeDelay
	}
	delay := base
	first := true
	for {
		sub, err := p.subscribeOne(ctx, url, filters)
		if first {
			opened <- err == nil
			first = false
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("subscribe failed", zap.String("relay", url), zap.Error(err), zap.Duration("retry_in", delay))
		} else {
			delay = base
			drain(ctx, sub, deliver)
			sub.Unsub()
			if ctx.Err() != nil {
				return
			}
			p.logger.Info("live subscription dropped, reopening", zap.String("relay", url), zap.Duration("retry_in", delay))
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		delay = min(delay*2, MaxResubscribeDelay)
	}
}

func (p *Pool) subscribeOne(ctx context.Context, url string, filters []nostr.Filter) (*nostr.Subscription, error) {
	r, err := p.ensure(ctx, url)
	if err != nil {
		return nil, err
	}
	sub, err := r.Subscribe(ctx, nostr.Filters(filters))
	if err != nil {
		p.drop(url)
		return nil, fmt.Errorf("subscribe %s: %w", url, err)
	}
	return sub, nil
}

// drain forwards events until the subscription ends or ctx is done.
func drain(ctx context.Context, sub *nostr.Subscription, deliver func(*nostr.Event)) {
	for {
		select {
		case evt, open := <-sub.Events:
			if !open {
				return
			}
			deliver(evt)
		case <-ctx.Done():
			return
		}
	}
}

// Close closes every open relay connection.
func (p *Pool) Close() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*nostr.Relay)
	p.mu.Unlock()
	for url, r := range conns {
		if err := r.Close(); err != nil {
			p.logger.Debug("close relay", zap.String("relay", url), zap.Error(err))
		}
	}
}
