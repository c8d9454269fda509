package profile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/nostrdm/internal/relay/memrelay"
	"github.com/nbd-wtf/go-nostr"
)

func metadata(t *testing.T, sk, content string, at int64) nostr.Event {
	t.Helper()
	evt := nostr.Event{Kind: nostr.KindProfileMetadata, CreatedAt: nostr.Timestamp(at), Tags: nostr.Tags{}, Content: content}
	if err := evt.Sign(sk); err != nil {
		t.Fatal(err)
	}
	return evt
}

func TestGetUserProfile(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)

	mem := memrelay.New()
	mem.Add(
		metadata(t, sk, `{"name":"old"}`, 100),
		metadata(t, sk, `{"name":"alice","display_name":"Alice","picture":"https://p/a.png"}`, 200),
	)
	s := NewService(mem, nil)

	p, err := s.GetUserProfile(context.Background(), pk)
	if err != nil {
		t.Fatal(err)
	}
	if p.BestName() != "Alice" || p.Picture != "https://p/a.png" {
		t.Errorf("profile = %+v, want newest metadata", p)
	}

	if _, err := s.GetUserProfile(context.Background(), pk); err != nil {
		t.Fatal(err)
	}
	if mem.Queries() != 1 {
		t.Errorf("relay queried %d times, want 1 (cached)", mem.Queries())
	}

	s.TTL = 0
	_, _ = s.GetUserProfile(context.Background(), pk)
	if mem.Queries() != 2 {
		t.Errorf("expired entry not refetched")
	}
}

func TestGetUserProfileNotFound(t *testing.T) {
	pk, _ := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	s := NewService(memrelay.New(), nil)
	if _, err := s.GetUserProfile(context.Background(), pk); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestGetUserProfileRelayFailure(t *testing.T) {
	mem := memrelay.New()
	mem.FailQueries(true)
	s := NewService(mem, nil)
	if _, err := s.GetUserProfile(context.Background(), "abc"); err == nil {
		t.Error("expected an error when no relay answers")
	}
}

func TestResolveNIP05(t *testing.T) {
	pk := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	s := NewService(memrelay.New(), nil)
	s.Lookup = func(_ context.Context, id string) (*nostr.ProfilePointer, error) {
		switch id {
		case "alice@example.com", "_@example.com":
			return &nostr.ProfilePointer{PublicKey: pk}, nil
		case "mallory@example.com":
			return &nostr.ProfilePointer{PublicKey: "other"}, nil
		}
		return nil, errors.New("not found")
	}

	tests := []struct {
		id      string
		want    string
		wantErr bool
	}{
		{"alice@example.com", "alice", false},
		{"_@example.com", "example.com", false},
		{"mallory@example.com", "", true},
		{"ghost@example.com", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			got, err := s.ResolveNIP05(ctx, tt.id, pk)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ResolveNIP05() = %q, want %q", got, tt.want)
			}
		})
	}
}
