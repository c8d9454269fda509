package messaging

import (
	"context"
	"errors"

	"github.com/matheus3301/nostrdm/internal/cache"
	"github.com/matheus3301/nostrdm/internal/crypto"
	"github.com/matheus3301/nostrdm/internal/envelope"
	"github.com/matheus3301/nostrdm/internal/model"
	"github.com/matheus3301/nostrdm/internal/payload"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// wrapFilter selects gift wraps addressed to me, optionally since a time.
func wrapFilter(me string, since int64) nostr.Filter {
	f := nostr.Filter{
		Kinds: []int{envelope.KindGiftWrap},
		Tags:  nostr.TagMap{"p": []string{me}},
	}
	if since > 0 {
		ts := nostr.Timestamp(since)
		f.Since = &ts
	}
	return f
}

// decryptWraps opens every wrap it can. Failures are logged and skipped.
func (s *Service) decryptWraps(ctx context.Context, c crypto.Capability, me string, wraps []*nostr.Event) []model.Message {
	msgs := make([]model.Message, 0, len(wraps))
	failed := 0
	for _, w := range wraps {
		m, err := s.open(ctx, c, me, w)
		if err != nil {
			failed++
			s.logger.Debug("skipping gift wrap", zap.String("wrap_id", w.ID), zap.Error(err))
			continue
		}
		msgs = append(msgs, *m)
	}
	if failed > 0 {
		s.logger.Info("some gift wraps could not be opened", zap.Int("failed", failed), zap.Int("total", len(wraps)))
	}
	return msgs
}

// open decrypts w and marks it seen unless the failure may clear up on a
// later attempt, such as a remote signer that timed out.
func (s *Service) open(ctx context.Context, c crypto.Capability, me string, w *nostr.Event) (*model.Message, error) {
	m, err := s.decryptWrap(ctx, c, me, w)
	if err == nil || !retryable(err) {
		s.markSeen(w.ID)
	}
	return m, err
}

func retryable(err error) bool {
	return errors.Is(err, crypto.ErrSignerTimeout) ||
		errors.Is(err, crypto.ErrUserDenied) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (s *Service) decryptWrap(ctx context.Context, c crypto.Capability, me string, w *nostr.Event) (*model.Message, error) {
	rumor, err := envelope.Unwrap(ctx, c, w)
	if err != nil {
		return nil, err
	}
	content, attachments, mctx := payload.Decode(rumor.Content)
	sender := rumor.PubKey
	return &model.Message{
		ID:              w.ID,
		SenderPubkey:    sender,
		RecipientPubkey: recipientFor(rumor, sender, me),
		Content:         content,
		Attachments:     attachments,
		CreatedAt:       int64(rumor.CreatedAt),
		Context:         mctx,
		IsSent:          sender == me,
	}, nil
}

// recipientFor names the addressee of rumor. Messages from others resolve to
// me when I am tagged anywhere, so multi-recipient rumors still land in the
// sender's conversation.
func recipientFor(rumor *nostr.Event, sender, me string) string {
	if sender != me {
		for _, tag := range rumor.Tags {
			if len(tag) >= 2 && tag[0] == "p" && tag[1] == me {
				return me
			}
		}
	}
	return envelope.Recipient(rumor)
}

// visible drops messages that never belong in any view of me.
func visible(me string, msgs []model.Message) []model.Message {
	out := msgs[:0:0]
	for _, m := range msgs {
		if m.IsSelfToSelf(me) {
			continue
		}
		if m.SenderPubkey != me && m.RecipientPubkey != me {
			continue
		}
		out = append(out, m)
	}
	return out
}

// ingest caches msgs and folds the ones not cached before into their
// conversations. It returns those new messages.
func (s *Service) ingest(ctx context.Context, c *cache.Cache, me string, msgs []model.Message) []model.Message {
	fresh, unnamed := s.merge(ctx, c, me, msgs)
	if len(unnamed) > 0 {
		s.enrichAsync(c, unnamed)
	}
	return fresh
}

// merge does the work of ingest under convMu, so concurrent callers never
// overwrite each other's conversation updates. It also returns the touched
// conversations that still lack a display name.
func (s *Service) merge(ctx context.Context, c *cache.Cache, me string, msgs []model.Message) ([]model.Message, []model.Conversation) {
	msgs = visible(me, msgs)
	if len(msgs) == 0 {
		return nil, nil
	}
	s.convMu.Lock()
	defer s.convMu.Unlock()

	known := make(map[string]map[string]struct{})
	var fresh []model.Message
	for _, m := range msgs {
		peer := m.Counterpart(me)
		ids, ok := known[peer]
		if !ok {
			ids = make(map[string]struct{})
			cached, err := c.GetMessages(ctx, peer)
			if err != nil {
				s.logger.Warn("read cached messages", zap.String("peer", peer), zap.Error(err))
			}
			for _, cm := range cached {
				ids[cm.ID] = struct{}{}
			}
			known[peer] = ids
		}
		if _, dup := ids[m.ID]; dup {
			continue
		}
		ids[m.ID] = struct{}{}
		fresh = append(fresh, m)
	}

	if err := c.CacheMessages(ctx, msgs); err != nil {
		s.logger.Warn("cache messages", zap.Int("count", len(msgs)), zap.Error(err))
		return fresh, nil
	}
	if len(fresh) == 0 {
		return nil, nil
	}

	convs, err := c.GetConversations(ctx)
	if err != nil {
		s.logger.Warn("read cached conversations", zap.Error(err))
		return fresh, nil
	}
	byPeer := make(map[string]model.Conversation, len(convs))
	for _, conv := range convs {
		byPeer[conv.Pubkey] = conv
	}

	changed := make(map[string]model.Conversation)
	for _, m := range fresh {
		peer := m.Counterpart(me)
		conv, ok := changed[peer]
		if !ok {
			conv, ok = byPeer[peer]
			if !ok {
				conv = model.Conversation{Pubkey: peer}
			}
		}
		if conv.LastMessage == nil || m.CreatedAt >= conv.LastMessageAt {
			msg := m
			conv.LastMessage = &msg
			conv.LastMessageAt = m.CreatedAt
			conv.Context = m.Context
		}
		if !m.IsSent && m.CreatedAt > conv.LastReadTimestamp {
			conv.UnreadCount++
		}
		changed[peer] = conv
	}

	var unnamed []model.Conversation
	for _, conv := range changed {
		if err := c.UpdateConversation(ctx, conv); err != nil {
			s.logger.Warn("update conversation", zap.String("peer", conv.Pubkey), zap.Error(err))
		}
		if conv.DisplayName == "" {
			unnamed = append(unnamed, conv)
		}
	}
	return fresh, unnamed
}
