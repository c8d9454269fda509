package signer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/nostrdm/internal/crypto"
	"github.com/matheus3301/nostrdm/internal/relay"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// KindNostrConnect is the event kind carrying NIP-46 requests and responses.
const KindNostrConnect = 24133

// BunkerURL is a parsed bunker:// connection string.
type BunkerURL struct {
	RemotePubkey string
	Relays       []string
	Secret       string
}

// ParseBunkerURL parses bunker://<remote-signer-pubkey>?relay=wss://...&secret=...
func ParseBunkerURL(raw string) (*BunkerURL, error) {
	if !strings.HasPrefix(raw, "bunker://") {
		return nil, errors.New("bunker url must start with bunker://")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse bunker url: %w", err)
	}
	remote := strings.ToLower(u.Host)
	if !nostr.IsValidPublicKey(remote) {
		return nil, fmt.Errorf("invalid remote signer pubkey %q", u.Host)
	}
	relays := u.Query()["relay"]
	if len(relays) == 0 {
		return nil, errors.New("bunker url must name at least one relay")
	}
	return &BunkerURL{
		RemotePubkey: remote,
		Relays:       relays,
		Secret:       u.Query().Get("secret"),
	}, nil
}

type bunkerRequest struct {
	ID     string   `json:"id"`
	Method string   `json:"method"`
	Params []string `json:"params"`
}

type bunkerResponse struct {
	ID     string `json:"id"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// BunkerSigner delegates signing and NIP-44 operations to a remote signer
// over NIP-46. Each request is a kind 24133 event from a disposable client
// key, encrypted to the remote signer and published on the bunker relays.
type BunkerSigner struct {
	transport relay.Transport
	logger    *zap.Logger
	remote    string
	secret    string
	clientSK  string
	clientPK  string

	// Timeout bounds each request; the remote side may be waiting on a human.
	Timeout time.Duration

	mu     sync.Mutex
	userPK string
}

// NewBunkerSigner prepares a signer for the given bunker. transport must reach
// at least one of the bunker's relays. Call Connect before use.
func NewBunkerSigner(b *BunkerURL, transport relay.Transport, logger *zap.Logger) (*BunkerSigner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, fmt.Errorf("client key: %w", err)
	}
	return &BunkerSigner{
		transport: transport,
		logger:    logger,
		remote:    b.RemotePubkey,
		secret:    b.Secret,
		clientSK:  sk,
		clientPK:  pk,
		Timeout:   crypto.SignerTimeout,
	}, nil
}

// Connect performs the connect handshake and learns the user's public key.
func (s *BunkerSigner) Connect(ctx context.Context) error {
	params := []string{s.remote}
	if s.secret != "" {
		params = append(params, s.secret)
	}
	result, err := s.request(ctx, "connect", params...)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if result != "ack" && result != s.secret {
		return fmt.Errorf("unexpected connect response %q", result)
	}

	pk, err := s.request(ctx, "get_public_key")
	if err != nil {
		return fmt.Errorf("get_public_key: %w", err)
	}
	if !nostr.IsValidPublicKey(pk) {
		return fmt.Errorf("remote signer returned invalid pubkey %q", pk)
	}

	s.mu.Lock()
	s.userPK = pk
	s.mu.Unlock()
	s.logger.Info("connected to remote signer", zap.String("remote", s.remote), zap.String("pubkey", pk))
	return nil
}

func (s *BunkerSigner) GetPublicKey(ctx context.Context) (string, error) {
	s.mu.Lock()
	pk := s.userPK
	s.mu.Unlock()
	if pk != "" {
		return pk, nil
	}
	pk, err := s.request(ctx, "get_public_key")
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.userPK = pk
	s.mu.Unlock()
	return pk, nil
}

func (s *BunkerSigner) SignEvent(ctx context.Context, evt *nostr.Event) error {
	unsigned, err := json.Marshal(map[string]any{
		"kind":       evt.Kind,
		"content":    evt.Content,
		"tags":       evt.Tags,
		"created_at": evt.CreatedAt,
	})
	if err != nil {
		return err
	}
	result, err := s.request(ctx, "sign_event", string(unsigned))
	if err != nil {
		return fmt.Errorf("sign_event: %w", err)
	}

	var signed nostr.Event
	if err := json.Unmarshal([]byte(result), &signed); err != nil {
		return fmt.Errorf("parse signed event: %w", err)
	}
	if evt.PubKey != "" && signed.PubKey != evt.PubKey {
		return fmt.Errorf("remote signer signed as %s, want %s", signed.PubKey, evt.PubKey)
	}
	if ok, err := signed.CheckSignature(); err != nil || !ok {
		return errors.New("remote signer returned an invalid signature")
	}
	*evt = signed
	return nil
}

func (s *BunkerSigner) NIP44() crypto.Capability {
	return bunkerCapability{s}
}

type bunkerCapability struct{ s *BunkerSigner }

func (c bunkerCapability) Encrypt(ctx context.Context, peerPub, plaintext string) (string, error) {
	return c.s.request(ctx, "nip44_encrypt", peerPub, plaintext)
}

func (c bunkerCapability) Decrypt(ctx context.Context, peerPub, ciphertext string) (string, error) {
	return c.s.request(ctx, "nip44_decrypt", peerPub, ciphertext)
}

// request sends one NIP-46 call and waits for the matching response.
func (s *BunkerSigner) request(ctx context.Context, method string, params ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	if params == nil {
		params = []string{}
	}
	req := bunkerRequest{ID: uuid.NewString(), Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	content, err := crypto.Encrypt(s.clientSK, s.remote, string(body))
	if err != nil {
		return "", err
	}
	evt := nostr.Event{
		Kind:      KindNostrConnect,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"p", s.remote}},
		Content:   content,
	}
	if err := evt.Sign(s.clientSK); err != nil {
		return "", fmt.Errorf("sign request: %w", err)
	}

	responses := make(chan bunkerResponse, 1)
	since := nostr.Timestamp(time.Now().Add(-10 * time.Second).Unix())
	unsub, err := s.transport.Subscribe(ctx, []nostr.Filter{{
		Kinds:   []int{KindNostrConnect},
		Authors: []string{s.remote},
		Tags:    nostr.TagMap{"p": []string{s.clientPK}},
		Since:   &since,
	}}, func(in *nostr.Event) {
		plain, err := crypto.Decrypt(s.clientSK, s.remote, in.Content)
		if err != nil {
			s.logger.Debug("undecryptable bunker response", zap.String("event_id", in.ID), zap.Error(err))
			return
		}
		var resp bunkerResponse
		if err := json.Unmarshal([]byte(plain), &resp); err != nil || resp.ID != req.ID {
			return
		}
		if resp.Result == "auth_url" {
			s.logger.Warn("remote signer requires authorization", zap.String("url", resp.Error))
			return
		}
		select {
		case responses <- resp:
		default:
		}
	})
	if err != nil {
		return "", fmt.Errorf("subscribe for %s response: %w", method, err)
	}
	defer unsub()

	if res := s.transport.Publish(ctx, evt); !res.Success {
		return "", res.Err()
	}

	select {
	case resp := <-responses:
		if resp.Error != "" {
			return "", responseError(resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", crypto.ErrSignerTimeout
		}
		return "", ctx.Err()
	}
}

func responseError(msg string) error {
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "reject") || strings.Contains(lower, "denied") {
		return fmt.Errorf("%w: %s", crypto.ErrUserDenied, msg)
	}
	return errors.New(msg)
}
