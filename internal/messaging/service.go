// Package messaging is the private messaging core: it sends NIP-17 direct
// messages, turns received gift wraps into conversations, keeps the encrypted
// cache current and runs the adaptive background sync.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/nostrdm/internal/bus"
	"github.com/matheus3301/nostrdm/internal/cache"
	"github.com/matheus3301/nostrdm/internal/envelope"
	"github.com/matheus3301/nostrdm/internal/model"
	"github.com/matheus3301/nostrdm/internal/payload"
	"github.com/matheus3301/nostrdm/internal/profile"
	"github.com/matheus3301/nostrdm/internal/relay"
	"github.com/matheus3301/nostrdm/internal/signer"
	"github.com/matheus3301/nostrdm/internal/upload"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultMessageLimit is the number of messages GetMessages returns by default.
const DefaultMessageLimit = 100

var (
	// ErrSelfMessage is returned when the recipient is the sender.
	ErrSelfMessage = errors.New("cannot send a direct message to yourself")
	// ErrUnknownConversation is returned by MarkRead for a counterpart with no conversation.
	ErrUnknownConversation = errors.New("unknown conversation")
)

// UploadError aborts a send when an attachment could not be uploaded.
type UploadError struct {
	File string
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s: %v", e.File, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// ProfileSource supplies display metadata for conversations.
type ProfileSource interface {
	GetUserProfile(ctx context.Context, pubkey string) (*profile.Profile, error)
	ResolveNIP05(ctx context.Context, identifier, pubkey string) (string, error)
}

// Config tunes the orchestrator. Zero values fall back to defaults.
type Config struct {
	Backoff     BackoffConfig
	EnrichBatch int
	EnrichDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.EnrichBatch <= 0 {
		c.EnrichBatch = 3
	}
	if c.EnrichDelay <= 0 {
		c.EnrichDelay = 250 * time.Millisecond
	}
	c.Backoff = c.Backoff.withDefaults()
	return c
}

// Deps are the collaborators of a Service. Profiles, Uploader and Bus may be nil.
type Deps struct {
	Transport relay.Transport
	Caches    *cache.Manager
	Profiles  ProfileSource
	Uploader  upload.Uploader
	Bus       *bus.Bus
	Logger    *zap.Logger
}

// Service orchestrates sending, receiving and caching direct messages for
// one session.
type Service struct {
	transport relay.Transport
	caches    *cache.Manager
	profiles  ProfileSource
	uploader  upload.Uploader
	bus       *bus.Bus
	logger    *zap.Logger
	cfg       Config

	// Builder constructs outgoing envelopes.
	Builder envelope.Builder

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	syncer *Syncer

	// convMu serializes read-modify-write of cached conversations.
	convMu sync.Mutex

	mu   sync.Mutex
	seen map[string]struct{}
	subs map[int]func()
	next int
}

// New creates a Service. Call Close to stop its background work.
func New(deps Deps, cfg Config) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		transport: deps.Transport,
		caches:    deps.Caches,
		profiles:  deps.Profiles,
		uploader:  deps.Uploader,
		bus:       deps.Bus,
		logger:    logger,
		cfg:       cfg.withDefaults(),
		ctx:       ctx,
		cancel:    cancel,
		seen:      make(map[string]struct{}),
		subs:      make(map[int]func()),
	}
	s.syncer = newSyncer(s, s.cfg.Backoff)
	return s
}

// Syncer returns the background sync loop of the service.
func (s *Service) Syncer() *Syncer { return s.syncer }

// SendRequest describes an outgoing message. Files are uploaded in order
// before sending; Attachments are already-uploaded descriptors.
type SendRequest struct {
	Recipient   string
	Content     string
	Files       []upload.File
	Attachments []model.Attachment
	Context     *model.Context
}

// SendResult reports how each wrap fared. Partial is set when only one of
// the two wraps reached a relay.
type SendResult struct {
	Message          model.Message
	RecipientPublish relay.PublishResult
	SelfPublish      relay.PublishResult
	Partial          bool
}

// SendMessage uploads attachments, builds both gift wraps and publishes
// them. It succeeds if any relay accepted either wrap.
func (s *Service) SendMessage(ctx context.Context, sg signer.Signer, req SendRequest) (*SendResult, error) {
	me, err := sg.GetPublicKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("get public key: %w", err)
	}
	recipient, err := signer.ParsePublicKey(req.Recipient)
	if err != nil {
		return nil, fmt.Errorf("recipient: %w", err)
	}
	if recipient == me {
		return nil, ErrSelfMessage
	}

	attachments := append([]model.Attachment(nil), req.Attachments...)
	for _, f := range req.Files {
		att, err := s.uploadOne(ctx, sg, f)
		if err != nil {
			return nil, err
		}
		attachments = append(attachments, *att)
	}

	text := payload.Encode(req.Content, attachments, req.Context)
	pair, err := s.Builder.Build(ctx, sg, recipient, text)
	if err != nil {
		return nil, err
	}

	res := &SendResult{}
	var g errgroup.Group
	g.Go(func() error {
		res.RecipientPublish = s.transport.Publish(ctx, pair.ToRecipient)
		return nil
	})
	g.Go(func() error {
		res.SelfPublish = s.transport.Publish(ctx, pair.ToSelf)
		return nil
	})
	_ = g.Wait()

	if !res.RecipientPublish.Success && !res.SelfPublish.Success {
		return nil, &envelope.StageError{Stage: envelope.StagePublished, Err: res.RecipientPublish.Err()}
	}
	res.Partial = !res.RecipientPublish.Success || !res.SelfPublish.Success

	res.Message = model.Message{
		ID:              pair.ToSelf.ID,
		SenderPubkey:    me,
		RecipientPubkey: recipient,
		Content:         req.Content,
		Attachments:     attachments,
		CreatedAt:       int64(pair.Rumor.CreatedAt),
		Context:         req.Context,
		IsSent:          true,
	}
	s.markSeen(pair.ToSelf.ID, pair.ToRecipient.ID)

	if res.SelfPublish.Success {
		if c, err := s.caches.Initialize(ctx, me); err != nil {
			s.logger.Warn("cache unavailable after send", zap.Error(err))
		} else {
			s.ingest(ctx, c, me, []model.Message{res.Message})
		}
	} else {
		s.logger.Warn("self copy not published; message missing from history until resync",
			zap.String("recipient", recipient), zap.Strings("failed_relays", res.SelfPublish.FailedRelays))
	}

	s.logger.Info("message sent",
		zap.String("recipient", recipient),
		zap.String("wrap_id", pair.ToRecipient.ID),
		zap.Bool("partial", res.Partial))
	s.bus.Publish(bus.NewEvent(bus.KindMessageSent, res.Message))
	return res, nil
}

func (s *Service) uploadOne(ctx context.Context, sg signer.Signer, f upload.File) (*model.Attachment, error) {
	if s.uploader == nil {
		return nil, &UploadError{File: f.Name, Err: errors.New("no uploader configured")}
	}
	r, err := s.uploader.Upload(ctx, f, sg)
	if err != nil {
		return nil, &UploadError{File: f.Name, Err: err}
	}
	mime := r.MimeType
	if mime == "" {
		mime = f.MimeType
	}
	return &model.Attachment{
		ID:       uuid.NewString(),
		Type:     payload.TypeForMIME(mime),
		URL:      r.URL,
		Name:     f.Name,
		MimeType: mime,
		Size:     r.Size,
		Hash:     r.Hash,
	}, nil
}

// MarkRead clears the unread count of the conversation with other.
func (s *Service) MarkRead(ctx context.Context, sg signer.Signer, other string) error {
	me, err := sg.GetPublicKey(ctx)
	if err != nil {
		return err
	}
	other, err = signer.ParsePublicKey(other)
	if err != nil {
		return err
	}
	c, err := s.caches.Initialize(ctx, me)
	if err != nil {
		return err
	}

	s.convMu.Lock()
	defer s.convMu.Unlock()
	convs, err := c.GetConversations(ctx)
	if err != nil {
		return err
	}
	for _, conv := range convs {
		if conv.Pubkey != other {
			continue
		}
		newest := conv.LastMessageAt
		if msgs, err := c.GetMessages(ctx, other); err == nil && len(msgs) > 0 {
			newest = max(newest, msgs[len(msgs)-1].CreatedAt)
		}
		conv.LastReadTimestamp = max(conv.LastReadTimestamp, newest)
		conv.UnreadCount = 0
		return c.UpdateConversation(ctx, conv)
	}
	return fmt.Errorf("%w: %s", ErrUnknownConversation, other)
}

// SignOut stops sync and live subscriptions and destroys the cache.
func (s *Service) SignOut(ctx context.Context) error {
	s.syncer.Stop()
	s.closeSubscriptions()

	s.mu.Lock()
	s.seen = make(map[string]struct{})
	s.mu.Unlock()

	err := s.caches.Clear(ctx)
	s.bus.Publish(bus.NewEvent(bus.KindSignedOut, nil))
	s.logger.Info("signed out")
	return err
}

// Close stops all background work without touching the cache.
func (s *Service) Close() {
	s.syncer.Stop()
	s.closeSubscriptions()
	s.cancel()
	s.wg.Wait()
}

func (s *Service) closeSubscriptions() {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[int]func())
	s.mu.Unlock()
	for _, unsub := range subs {
		unsub()
	}
}

// markSeen records wrap ids that need no further processing.
func (s *Service) markSeen(ids ...string) {
	s.mu.Lock()
	for _, id := range ids {
		s.seen[id] = struct{}{}
	}
	s.mu.Unlock()
}

// unseen filters wraps down to those not processed before. Wraps are marked
// once they are opened, see open.
func (s *Service) unseen(wraps []*nostr.Event) []*nostr.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := wraps[:0:0]
	for _, w := range wraps {
		if _, ok := s.seen[w.ID]; ok {
			continue
		}
		out = append(out, w)
	}
	return out
}

// goBackground runs fn on the service context and tracks it for Close.
func (s *Service) goBackground(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}
