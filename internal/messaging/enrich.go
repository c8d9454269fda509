package messaging

import (
	"context"
	"time"

	"github.com/matheus3301/nostrdm/internal/cache"
	"github.com/matheus3301/nostrdm/internal/model"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// enrich fills display names and avatars in small batches with a pause
// between batches. Lookup failures leave the conversation as it was.
func (s *Service) enrich(ctx context.Context, convs []model.Conversation) []model.Conversation {
	out := append([]model.Conversation(nil), convs...)
	if s.profiles == nil {
		return out
	}

	for start := 0; start < len(out); start += s.cfg.EnrichBatch {
		if start > 0 {
			t := time.NewTimer(s.cfg.EnrichDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return out
			case <-t.C:
			}
		}
		end := min(start+s.cfg.EnrichBatch, len(out))

		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				s.enrichOne(ctx, &out[i])
				return nil
			})
		}
		_ = g.Wait()
	}
	return out
}

func (s *Service) enrichOne(ctx context.Context, conv *model.Conversation) {
	p, err := s.profiles.GetUserProfile(ctx, conv.Pubkey)
	if err != nil {
		s.logger.Debug("profile lookup failed", zap.String("pubkey", conv.Pubkey), zap.Error(err))
		return
	}
	if name := p.BestName(); name != "" {
		conv.DisplayName = name
	} else if p.NIP05 != "" {
		name, err := s.profiles.ResolveNIP05(ctx, p.NIP05, conv.Pubkey)
		if err != nil {
			s.logger.Debug("nip05 resolution failed", zap.String("pubkey", conv.Pubkey), zap.Error(err))
		} else {
			conv.DisplayName = name
		}
	}
	if p.Picture != "" {
		conv.Avatar = p.Picture
	}
}

// enrichAsync refreshes profile data in the background and writes changed
// names back without touching the rest of each conversation.
func (s *Service) enrichAsync(c *cache.Cache, convs []model.Conversation) {
	if s.profiles == nil || len(convs) == 0 {
		return
	}
	convs = append([]model.Conversation(nil), convs...)
	s.goBackground(func(ctx context.Context) {
		enriched := s.enrich(ctx, convs)
		if ctx.Err() != nil {
			return
		}
		s.saveProfiles(ctx, c, enriched)
	})
}

// saveProfiles copies display names and avatars from enriched onto the
// cached conversations.
func (s *Service) saveProfiles(ctx context.Context, c *cache.Cache, enriched []model.Conversation) {
	s.convMu.Lock()
	defer s.convMu.Unlock()

	current, err := c.GetConversations(ctx)
	if err != nil {
		s.logger.Debug("skip saving profiles", zap.Error(err))
		return
	}
	byPeer := make(map[string]model.Conversation, len(current))
	for _, conv := range current {
		byPeer[conv.Pubkey] = conv
	}
	for _, e := range enriched {
		conv, ok := byPeer[e.Pubkey]
		if !ok || (e.DisplayName == "" || conv.DisplayName == e.DisplayName) && (e.Avatar == "" || conv.Avatar == e.Avatar) {
			continue
		}
		if e.DisplayName != "" {
			conv.DisplayName = e.DisplayName
		}
		if e.Avatar != "" {
			conv.Avatar = e.Avatar
		}
		if err := c.UpdateConversation(ctx, conv); err != nil {
			s.logger.Debug("save profile", zap.String("pubkey", conv.Pubkey), zap.Error(err))
		}
	}
}
