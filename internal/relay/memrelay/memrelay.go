// Package memrelay is an in-memory relay.Transport for tests.
package memrelay

import (
	"context"
	"sort"
	"sync"

	"github.com/matheus3301/nostrdm/internal/relay"
	"github.com/nbd-wtf/go-nostr"
)

const url = "mem://relay"

type subscription struct {
	filters nostr.Filters
	onEvent func(*nostr.Event)
}

// Transport stores published events and serves them back to queries and
// live subscriptions. It does not verify signatures.
type Transport struct {
	mu        sync.Mutex
	events    []nostr.Event
	subs      map[int]*subscription
	nextSub   int
	failPub   func(nostr.Event) bool
	failQuery bool
	queries   int
}

var _ relay.Transport = (*Transport)(nil)

// New returns an empty transport.
func New() *Transport {
	return &Transport{subs: make(map[int]*subscription)}
}

// FailPublish makes Publish reject every event for which reject returns true.
func (t *Transport) FailPublish(reject func(nostr.Event) bool) {
	t.mu.Lock()
	t.failPub = reject
	t.mu.Unlock()
}

// FailQueries makes Query report failure on every relay.
func (t *Transport) FailQueries(fail bool) {
	t.mu.Lock()
	t.failQuery = fail
	t.mu.Unlock()
}

// Add stores evt without notifying subscribers.
func (t *Transport) Add(evts ...nostr.Event) {
	t.mu.Lock()
	t.events = append(t.events, evts...)
	t.mu.Unlock()
}

// Events returns every stored event.
func (t *Transport) Events() []nostr.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]nostr.Event(nil), t.events...)
}

// Queries returns how many times Query was called.
func (t *Transport) Queries() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queries
}

func (t *Transport) Publish(_ context.Context, evt nostr.Event) relay.PublishResult {
	t.mu.Lock()
	if t.failPub != nil && t.failPub(evt) {
		t.mu.Unlock()
		return relay.PublishResult{FailedRelays: []string{url}}
	}
	t.events = append(t.events, evt)
	var targets []func(*nostr.Event)
	for _, s := range t.subs {
		if s.filters.Match(&evt) {
			targets = append(targets, s.onEvent)
		}
	}
	t.mu.Unlock()

	for _, fn := range targets {
		e := evt
		fn(&e)
	}
	return relay.PublishResult{Success: true, PublishedRelays: []string{url}}
}

func (t *Transport) Query(_ context.Context, filters []nostr.Filter) relay.QueryResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queries++
	if t.failQuery {
		return relay.QueryResult{FailedRelays: []string{url}}
	}

	var out []*nostr.Event
	seen := make(map[string]struct{})
	for i := range t.events {
		evt := t.events[i]
		if _, dup := seen[evt.ID]; dup {
			continue
		}
		if nostr.Filters(filters).Match(&evt) {
			seen[evt.ID] = struct{}{}
			out = append(out, &evt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return relay.QueryResult{Success: true, Events: out}
}

func (t *Transport) Subscribe(_ context.Context, filters []nostr.Filter, onEvent func(*nostr.Event)) (func(), error) {
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = &subscription{filters: filters, onEvent: onEvent}
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}, nil
}

// Subscribers returns the number of open subscriptions.
func (t *Transport) Subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}
