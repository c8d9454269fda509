// Package profile looks up kind 0 metadata and verifies NIP-05 identifiers.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/nostrdm/internal/relay"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip05"
	"go.uber.org/zap"
)

// DefaultTTL is how long a looked up profile is reused.
const DefaultTTL = 10 * time.Minute

// ErrNotFound is returned when no relay has metadata for a pubkey.
var ErrNotFound = errors.New("profile not found")

// Profile is the subset of kind 0 metadata the messaging views use.
type Profile struct {
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Picture     string `json:"picture,omitempty"`
	NIP05       string `json:"nip05,omitempty"`
	About       string `json:"about,omitempty"`
}

// BestName returns the display name, falling back to the short name.
func (p *Profile) BestName() string {
	if p == nil {
		return ""
	}
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Name
}

type entry struct {
	profile *Profile
	fetched time.Time
}

// Service fetches profiles from relays and keeps them in memory for TTL.
type Service struct {
	transport relay.Transport
	logger    *zap.Logger

	TTL time.Duration
	// Lookup resolves a NIP-05 identifier; it defaults to nip05.QueryIdentifier.
	Lookup func(ctx context.Context, identifier string) (*nostr.ProfilePointer, error)

	mu    sync.Mutex
	cache map[string]entry
}

// NewService creates a profile service reading from transport.
func NewService(transport relay.Transport, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		transport: transport,
		logger:    logger,
		TTL:       DefaultTTL,
		Lookup:    nip05.QueryIdentifier,
		cache:     make(map[string]entry),
	}
}

// GetUserProfile returns the newest kind 0 metadata of pubkey.
func (s *Service) GetUserProfile(ctx context.Context, pubkey string) (*Profile, error) {
	s.mu.Lock()
	e, ok := s.cache[pubkey]
	s.mu.Unlock()
	if ok && time.Since(e.fetched) < s.TTL {
		if e.profile == nil {
			return nil, ErrNotFound
		}
		return e.profile, nil
	}

	res := s.transport.Query(ctx, []nostr.Filter{{
		Kinds:   []int{nostr.KindProfileMetadata},
		Authors: []string{pubkey},
		Limit:   1,
	}})
	if !res.Success {
		return nil, fmt.Errorf("query profile %s: no relay answered", pubkey)
	}

	var p *Profile
	for _, evt := range res.Events {
		if evt.PubKey != pubkey || evt.Kind != nostr.KindProfileMetadata {
			continue
		}
		var parsed Profile
		if err := json.Unmarshal([]byte(evt.Content), &parsed); err != nil {
			s.logger.Debug("unparseable profile", zap.String("pubkey", pubkey), zap.Error(err))
			continue
		}
		p = &parsed
		break
	}

	s.mu.Lock()
	s.cache[pubkey] = entry{profile: p, fetched: time.Now()}
	s.mu.Unlock()

	if p == nil {
		return nil, ErrNotFound
	}
	return p, nil
}

// ResolveNIP05 checks that identifier points at pubkey and returns a short
// display name for it: the local part, or the domain for "_@domain".
func (s *Service) ResolveNIP05(ctx context.Context, identifier, pubkey string) (string, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "", errors.New("empty nip05 identifier")
	}
	pp, err := s.Lookup(ctx, identifier)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", identifier, err)
	}
	if pp == nil || pp.PublicKey != pubkey {
		return "", fmt.Errorf("nip05 %s does not belong to %s", identifier, pubkey)
	}

	local, domain, ok := strings.Cut(identifier, "@")
	if !ok {
		return identifier, nil
	}
	if local == "_" {
		return domain, nil
	}
	return local, nil
}

// Forget drops the cached profile of pubkey.
func (s *Service) Forget(pubkey string) {
	s.mu.Lock()
	delete(s.cache, pubkey)
	s.mu.Unlock()
}
