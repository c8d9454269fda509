// Package envelope builds and opens NIP-17 direct message envelopes.
//
// A message is an unsigned rumor (kind 14) sealed to its addressee and signed
// by the sender (kind 13), then wrapped again under a single-use key (kind 1059)
// whose created_at is pushed into the past by a random offset. Every send
// yields two wraps: one for the recipient and one addressed back to the sender
// so the message shows up in the sender's own history.
package envelope

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/matheus3301/nostrdm/internal/crypto"
	"github.com/matheus3301/nostrdm/internal/signer"
	"github.com/nbd-wtf/go-nostr"
)

const (
	KindRumor = 14
	// KindSeal is the NIP-59 seal kind. Some older senders sealed with
	// KindGiftWrap instead; Unwrap accepts both, Seal only writes 13.
	KindSeal     = 13
	KindGiftWrap = 1059

	// MaxJitter is how far into the past a gift wrap timestamp may be moved.
	MaxJitter = 2 * 24 * time.Hour
)

// Stage names a step of the outgoing pipeline.
type Stage string

const (
	StagePlaintextComposed Stage = "plaintext_composed"
	StageRumorBuilt        Stage = "rumor_built"
	StageSealEncrypted     Stage = "seal_encrypted"
	StageSealSigned        Stage = "seal_signed"
	StageGiftWrapEncrypted Stage = "gift_wrap_encrypted"
	StageGiftWrapSigned    Stage = "gift_wrap_signed"
	StagePublished         Stage = "published"
)

// StageError reports the stage that could not be reached.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Builder produces envelopes. The zero value uses the wall clock and
// crypto-random jitter.
type Builder struct {
	Jitter func() time.Duration
	Now    func() time.Time
}

// RandomJitter returns a uniform offset in [0, MaxJitter] at one-second resolution.
func RandomJitter() time.Duration {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(MaxJitter/time.Second)+1))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64()) * time.Second
}

func (b Builder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func (b Builder) jittered() nostr.Timestamp {
	jitter := RandomJitter
	if b.Jitter != nil {
		jitter = b.Jitter
	}
	d := jitter()
	if d < 0 {
		d = 0
	}
	if d > MaxJitter {
		d = MaxJitter
	}
	return nostr.Timestamp(b.now().Add(-d).Unix())
}

// Rumor builds the unsigned inner event from sender to recipient.
func (b Builder) Rumor(sender, recipient, content string) nostr.Event {
	rumor := nostr.Event{
		PubKey:    sender,
		CreatedAt: nostr.Timestamp(b.now().Unix()),
		Kind:      KindRumor,
		Tags:      nostr.Tags{{"p", recipient}},
		Content:   content,
	}
	rumor.ID = rumor.GetID()
	return rumor
}

// rumorJSON omits the signature field; rumors are never signed.
type rumorJSON struct {
	ID        string          `json:"id"`
	PubKey    string          `json:"pubkey"`
	CreatedAt nostr.Timestamp `json:"created_at"`
	Kind      int             `json:"kind"`
	Tags      nostr.Tags      `json:"tags"`
	Content   string          `json:"content"`
}

// Seal encrypts rumor to addressee through s and has s sign the result.
func (b Builder) Seal(ctx context.Context, s signer.Signer, rumor nostr.Event, addressee string) (nostr.Event, error) {
	raw, err := json.Marshal(rumorJSON{
		ID:        rumor.ID,
		PubKey:    rumor.PubKey,
		CreatedAt: rumor.CreatedAt,
		Kind:      rumor.Kind,
		Tags:      rumor.Tags,
		Content:   rumor.Content,
	})
	if err != nil {
		return nostr.Event{}, &StageError{Stage: StageSealEncrypted, Err: err}
	}
	content, err := crypto.EncryptWithSigner(ctx, s.NIP44(), addressee, string(raw))
	if err != nil {
		return nostr.Event{}, &StageError{Stage: StageSealEncrypted, Err: err}
	}

	// Kind 13 rather than 1059: relays and clients that follow NIP-59 index
	// seals by it, and 1059 would make a seal look like a second wrap.
	seal := nostr.Event{
		PubKey:    rumor.PubKey,
		CreatedAt: b.jittered(),
		Kind:      KindSeal,
		Tags:      nostr.Tags{},
		Content:   content,
	}
	if err := s.SignEvent(ctx, &seal); err != nil {
		return nostr.Event{}, &StageError{Stage: StageSealSigned, Err: err}
	}
	return seal, nil
}

// Wrap encrypts seal to addressee under a fresh key and signs with that key.
func (b Builder) Wrap(seal nostr.Event, addressee string) (nostr.Event, error) {
	raw, err := json.Marshal(seal)
	if err != nil {
		return nostr.Event{}, &StageError{Stage: StageGiftWrapEncrypted, Err: err}
	}
	ephemeral := nostr.GeneratePrivateKey()
	content, err := crypto.Encrypt(ephemeral, addressee, string(raw))
	if err != nil {
		return nostr.Event{}, &StageError{Stage: StageGiftWrapEncrypted, Err: err}
	}

	wrap := nostr.Event{
		CreatedAt: b.jittered(),
		Kind:      KindGiftWrap,
		Tags:      nostr.Tags{{"p", addressee}},
		Content:   content,
	}
	if err := wrap.Sign(ephemeral); err != nil {
		return nostr.Event{}, &StageError{Stage: StageGiftWrapSigned, Err: err}
	}
	return wrap, nil
}

// Pair is the output of one send: the shared rumor and its two wraps.
type Pair struct {
	Rumor       nostr.Event
	ToRecipient nostr.Event
	ToSelf      nostr.Event
}

// Build runs the pipeline twice, once per addressee. The self copy's rumor
// still names recipient.
func (b Builder) Build(ctx context.Context, s signer.Signer, recipient, content string) (*Pair, error) {
	sender, err := s.GetPublicKey(ctx)
	if err != nil {
		return nil, &StageError{Stage: StageRumorBuilt, Err: fmt.Errorf("sender pubkey: %w", err)}
	}
	rumor := b.Rumor(sender, recipient, content)

	pair := &Pair{Rumor: rumor}
	for _, leg := range []struct {
		addressee string
		out       *nostr.Event
	}{
		{recipient, &pair.ToRecipient},
		{sender, &pair.ToSelf},
	} {
		seal, err := b.Seal(ctx, s, rumor, leg.addressee)
		if err != nil {
			return nil, err
		}
		wrap, err := b.Wrap(seal, leg.addressee)
		if err != nil {
			return nil, err
		}
		*leg.out = wrap
	}
	return pair, nil
}

var (
	// ErrMalformed is returned for events that do not follow the envelope layout.
	ErrMalformed = errors.New("malformed envelope")
	// ErrBadSignature is returned when a wrap or seal signature does not verify.
	ErrBadSignature = errors.New("invalid signature")
	// ErrAuthorMismatch is returned when a rumor claims an author other than its seal's signer.
	ErrAuthorMismatch = errors.New("rumor author does not match seal signer")
)

// Unwrap opens a gift wrap with the addressee's capability and returns the rumor.
func Unwrap(ctx context.Context, c crypto.Capability, wrap *nostr.Event) (*nostr.Event, error) {
	if wrap.Kind != KindGiftWrap {
		return nil, fmt.Errorf("%w: wrap kind %d", ErrMalformed, wrap.Kind)
	}
	if ok, err := wrap.CheckSignature(); err != nil || !ok {
		return nil, fmt.Errorf("gift wrap %s: %w", wrap.ID, ErrBadSignature)
	}

	sealText, err := crypto.DecryptWithSigner(ctx, c, wrap.PubKey, wrap.Content)
	if err != nil {
		return nil, fmt.Errorf("open gift wrap: %w", err)
	}
	var seal nostr.Event
	if err := json.Unmarshal([]byte(sealText), &seal); err != nil {
		return nil, fmt.Errorf("%w: seal: %v", ErrMalformed, err)
	}
	// Some older clients sealed with the wrap kind.
	if seal.Kind != KindSeal && seal.Kind != KindGiftWrap {
		return nil, fmt.Errorf("%w: seal kind %d", ErrMalformed, seal.Kind)
	}
	if ok, err := seal.CheckSignature(); err != nil || !ok {
		return nil, fmt.Errorf("seal: %w", ErrBadSignature)
	}

	rumorText, err := crypto.DecryptWithSigner(ctx, c, seal.PubKey, seal.Content)
	if err != nil {
		return nil, fmt.Errorf("open seal: %w", err)
	}
	var rumor nostr.Event
	if err := json.Unmarshal([]byte(rumorText), &rumor); err != nil {
		return nil, fmt.Errorf("%w: rumor: %v", ErrMalformed, err)
	}
	if rumor.Kind != KindRumor {
		return nil, fmt.Errorf("%w: rumor kind %d", ErrMalformed, rumor.Kind)
	}
	if rumor.PubKey != seal.PubKey {
		return nil, ErrAuthorMismatch
	}
	return &rumor, nil
}

// Recipient returns the first p tag of rumor, or "" when it has none.
func Recipient(rumor *nostr.Event) string {
	for _, tag := range rumor.Tags {
		if len(tag) >= 2 && tag[0] == "p" {
			return tag[1]
		}
	}
	return ""
}
