package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/matheus3301/nostrdm/internal/api"
	"github.com/matheus3301/nostrdm/internal/config"
	"github.com/matheus3301/nostrdm/internal/messaging"
	"github.com/matheus3301/nostrdm/internal/relay"
	"github.com/matheus3301/nostrdm/internal/signer"
	"github.com/matheus3301/nostrdm/internal/status"
	"go.uber.org/zap"
)

var errNoSigner = errors.New("no signer configured")

// signIn brings the configured identity online: it resolves the signer,
// loads conversations (which starts background sync) and opens the live
// subscription.
type signIn struct {
	cfg     *config.Config
	account *api.Account
	svc     *messaging.Service
	machine *status.Machine
	logger  *zap.Logger

	mu         sync.Mutex
	unsub      func()
	bunkerPool *relay.Pool
}

func newSignIn(cfg *config.Config, account *api.Account, svc *messaging.Service, machine *status.Machine, logger *zap.Logger) *signIn {
	return &signIn{cfg: cfg, account: account, svc: svc, machine: machine, logger: logger.Named("signin")}
}

func (s *signIn) run(ctx context.Context) {
	if s.cfg.Signer.PrivateKey == "" && s.cfg.Signer.BunkerURL == "" {
		s.logger.Info("no signer configured, set " + config.EnvPrivateKey + " or " + config.EnvBunkerURL)
		s.transition(status.SignerRequired)
		return
	}

	s.transition(status.Connecting)
	sg, kind, err := s.signer(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("signer unavailable", zap.Error(err))
			s.transition(status.SignerRequired)
		}
		return
	}
	pk, err := sg.GetPublicKey(ctx)
	if err != nil {
		s.logger.Error("signer has no public key", zap.Error(err))
		s.transition(status.SignerRequired)
		return
	}
	s.account.Set(sg, pk, kind)
	s.logger.Info("signed in", zap.String("pubkey", pk), zap.String("signer", kind))

	s.transition(status.Syncing)
	convs, fetchErr := s.svc.GetConversations(ctx, sg)
	if fetchErr != nil && ctx.Err() != nil {
		return
	}

	unsub, err := s.svc.SubscribeToMessages(ctx, sg, nil)
	if err != nil {
		s.logger.Warn("live subscription failed, relying on polling", zap.Error(err))
	} else {
		s.mu.Lock()
		s.unsub = unsub
		s.mu.Unlock()
	}

	if fetchErr != nil {
		s.logger.Warn("initial fetch failed, retrying in background", zap.Error(fetchErr))
		s.svc.Syncer().Start(sg)
		if err := s.machine.Settle(status.Degraded); err != nil {
			s.logger.Debug("status transition", zap.Error(err))
		}
		return
	}
	s.logger.Info("conversations loaded", zap.Int("count", len(convs)))
	if err := s.machine.Settle(status.Ready); err != nil {
		s.logger.Debug("status transition", zap.Error(err))
	}
}

// signer builds the configured signer. A private key wins over a bunker.
func (s *signIn) signer(ctx context.Context) (signer.Signer, string, error) {
	if key := s.cfg.Signer.PrivateKey; key != "" {
		ks, err := signer.NewKeySigner(key)
		if err != nil {
			return nil, "", fmt.Errorf("private key: %w", err)
		}
		return ks, "key", nil
	}
	if s.cfg.Signer.BunkerURL == "" {
		return nil, "", errNoSigner
	}

	b, err := signer.ParseBunkerURL(s.cfg.Signer.BunkerURL)
	if err != nil {
		return nil, "", err
	}
	pool := relay.NewPool(b.Relays, s.logger.Named("bunker"))
	s.mu.Lock()
	s.bunkerPool = pool
	s.mu.Unlock()

	bs, err := signer.NewBunkerSigner(b, pool, s.logger.Named("bunker"))
	if err != nil {
		return nil, "", err
	}
	s.logger.Info("connecting to remote signer", zap.String("remote", b.RemotePubkey), zap.Strings("relays", b.Relays))
	if err := bs.Connect(ctx); err != nil {
		return nil, "", fmt.Errorf("bunker connect: %w", err)
	}
	return bs, "bunker", nil
}

func (s *signIn) transition(to status.State) {
	if err := s.machine.Transition(to); err != nil {
		s.logger.Debug("status transition", zap.Error(err))
	}
}

// close ends the live subscription and the bunker connection.
func (s *signIn) close() {
	s.mu.Lock()
	unsub, pool := s.unsub, s.bunkerPool
	s.unsub, s.bunkerPool = nil, nil
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	if pool != nil {
		pool.Close()
	}
}
