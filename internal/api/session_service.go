package api

import (
	"context"
	"time"

	"github.com/matheus3301/nostrdm/internal/cache"
	"github.com/matheus3301/nostrdm/internal/messaging"
	"github.com/matheus3301/nostrdm/internal/status"
	"github.com/nbd-wtf/go-nostr/nip19"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"
)

// SessionService implements the SessionService gRPC service.
type SessionService struct {
	sessionName string
	relays      []string
	startedAt   time.Time
	machine     *status.Machine
	account     *Account
	svc         *messaging.Service
	caches      *cache.Manager
	logger      *zap.Logger
}

// NewSessionService creates a new session service.
func NewSessionService(sessionName string, relays []string, machine *status.Machine, account *Account, svc *messaging.Service, caches *cache.Manager, logger *zap.Logger) *SessionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionService{
		sessionName: sessionName,
		relays:      relays,
		startedAt:   time.Now(),
		machine:     machine,
		account:     account,
		svc:         svc,
		caches:      caches,
		logger:      logger,
	}
}

func (s *SessionService) GetStatus(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	resp := SessionStatusResponse{
		Session:  s.sessionName,
		Status:   string(s.machine.Current()),
		Relays:   s.relays,
		UptimeMs: time.Since(s.startedAt).Milliseconds(),
		Signer:   s.account.Kind(),
	}
	if pk := s.account.Pubkey(); pk != "" {
		resp.Pubkey = pk
		if npub, err := nip19.EncodePublicKey(pk); err == nil {
			resp.Npub = npub
		}
	}

	// Counts come from the cache only; a cold cache reports zero.
	if c, err := s.caches.Current(); err == nil {
		if msgs, convs, err := c.Counts(ctx); err == nil {
			resp.MessageCount = msgs
			resp.ConversationCount = convs
		}
	}
	return toStruct(resp)
}

// SignOut stops background work, wipes the cache and forgets the signer.
func (s *SessionService) SignOut(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if _, err := s.account.Signer(); err != nil {
		return nil, toStatus("sign out", err)
	}
	err := s.svc.SignOut(ctx)
	s.account.Clear()
	if terr := s.machine.Settle(status.SignedOut); terr != nil {
		s.logger.Warn("status transition on sign out", zap.Error(terr))
	}
	if err != nil {
		return nil, toStatus("sign out", err)
	}
	return toStruct(Empty{})
}
