package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/nostrdm/internal/bus"
	"github.com/matheus3301/nostrdm/internal/cache"
	"github.com/matheus3301/nostrdm/internal/model"
	"github.com/matheus3301/nostrdm/internal/signer"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// checkpointKey is the sync_state key holding the last successful fetch time.
const checkpointKey = "gift_wraps"

// ErrFetchFailed is returned when neither the cache nor any relay could serve a read.
var ErrFetchFailed = errors.New("no relay answered")

// openCache returns the session cache, or nil when it is unusable. Reads
// then go straight to the relays.
func (s *Service) openCache(ctx context.Context, me string) *cache.Cache {
	c, err := s.caches.Initialize(ctx, me)
	if err != nil {
		s.logger.Warn("cache unavailable, reading from relays", zap.Error(err))
		return nil
	}
	return c
}

// fetchAll queries every gift wrap addressed to me and opens it.
func (s *Service) fetchAll(ctx context.Context, sg signer.Signer, me string) ([]model.Message, int64, error) {
	started := time.Now().Unix()
	res := s.transport.Query(ctx, []nostr.Filter{wrapFilter(me, 0)})
	if !res.Success {
		return nil, 0, fmt.Errorf("%w: failed %v", ErrFetchFailed, res.FailedRelays)
	}
	msgs := visible(me, s.decryptWraps(ctx, sg.NIP44(), me, res.Events))
	s.logger.Info("fetched gift wraps", zap.Int("wraps", len(res.Events)), zap.Int("messages", len(msgs)))
	return msgs, started, nil
}

// GetConversations lists conversations, newest first. Cached conversations
// are returned immediately; otherwise everything is fetched from the relays,
// decrypted, grouped and cached. Both paths make sure background sync runs.
func (s *Service) GetConversations(ctx context.Context, sg signer.Signer) ([]model.Conversation, error) {
	me, err := sg.GetPublicKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("get public key: %w", err)
	}

	c := s.openCache(ctx, me)
	if c != nil {
		convs, err := c.GetConversations(ctx)
		if err != nil {
			s.logger.Warn("read cached conversations", zap.Error(err))
		} else if len(convs) > 0 {
			s.syncer.Start(sg)
			s.enrichAsync(c, convs)
			return convs, nil
		}
	}

	msgs, started, err := s.fetchAll(ctx, sg, me)
	if err != nil {
		return nil, err
	}
	convs := model.BuildConversations(me, msgs, nil)
	convs = s.enrich(ctx, convs)

	if c != nil {
		// Merging instead of overwriting keeps messages a live subscription
		// cached while the fetch was running.
		s.merge(ctx, c, me, msgs)
		s.saveProfiles(ctx, c, convs)
		if err := c.SetCheckpoint(ctx, checkpointKey, started); err != nil {
			s.logger.Warn("record sync checkpoint", zap.Error(err))
		}
	}
	s.syncer.Start(sg)
	return convs, nil
}

// GetMessages returns up to limit of the newest messages exchanged with
// other, oldest first. limit <= 0 means DefaultMessageLimit.
func (s *Service) GetMessages(ctx context.Context, sg signer.Signer, other string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	me, err := sg.GetPublicKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("get public key: %w", err)
	}
	other, err = signer.ParsePublicKey(other)
	if err != nil {
		return nil, err
	}
	if other == me {
		return nil, nil
	}

	c := s.openCache(ctx, me)
	if c != nil {
		msgs, err := c.GetMessages(ctx, other)
		if err != nil {
			s.logger.Warn("read cached messages", zap.Error(err))
		} else if len(msgs) > 0 {
			s.syncer.Start(sg)
			return newest(msgs, limit), nil
		}
	}

	all, _, err := s.fetchAll(ctx, sg, me)
	if err != nil {
		return nil, err
	}
	var msgs []model.Message
	for _, m := range all {
		if m.BelongsTo(me, other) {
			msgs = append(msgs, m)
		}
	}
	model.SortMessages(msgs)

	if c != nil {
		s.ingest(ctx, c, me, all)
	}
	s.syncer.Start(sg)
	return newest(msgs, limit), nil
}

// newest returns the last limit messages of an ascending slice.
func newest(msgs []model.Message, limit int) []model.Message {
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs
}

// SubscribeToMessages delivers every new message addressed to or sent by
// the signer until the returned function is called.
func (s *Service) SubscribeToMessages(ctx context.Context, sg signer.Signer, onMessage func(model.Message)) (func(), error) {
	me, err := sg.GetPublicKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("get public key: %w", err)
	}
	capability := sg.NIP44()

	// Wraps are backdated, so a live filter needs the whole jitter window.
	since := time.Now().Add(-jitterWindow).Unix()
	unsub, err := s.transport.Subscribe(s.ctx, []nostr.Filter{wrapFilter(me, since)}, func(w *nostr.Event) {
		if len(s.unseen([]*nostr.Event{w})) == 0 {
			return
		}
		m, err := s.open(s.ctx, capability, me, w)
		if err != nil {
			s.logger.Debug("skipping live gift wrap", zap.String("wrap_id", w.ID), zap.Error(err))
			return
		}
		if len(visible(me, []model.Message{*m})) == 0 {
			return
		}
		// A sync cycle may have stored it first.
		if c := s.openCache(s.ctx, me); c != nil && len(s.ingest(s.ctx, c, me, []model.Message{*m})) == 0 {
			return
		}
		if onMessage != nil {
			onMessage(*m)
		}
		s.bus.Publish(bus.NewEvent(bus.KindMessageReceived, *m))
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = unsub
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		fn, ok := s.subs[id]
		delete(s.subs, id)
		s.mu.Unlock()
		if ok {
			fn()
		}
	}, nil
}
