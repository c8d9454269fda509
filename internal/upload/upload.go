// Package upload stores message attachments on a Blossom media server.
package upload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/nostrdm/internal/signer"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// KindBlossomAuth is the kind of the authorization event sent with uploads.
const KindBlossomAuth = 24242

// File is one attachment to upload.
type File struct {
	Name     string
	MimeType string
	Data     []byte
}

// Result describes a stored blob.
type Result struct {
	URL      string
	Hash     string
	Size     int64
	MimeType string
}

// Uploader stores a file on behalf of the signer's identity.
type Uploader interface {
	Upload(ctx context.Context, f File, s signer.Signer) (*Result, error)
}

// BlossomUploader implements BUD-02 PUT /upload.
type BlossomUploader struct {
	server string
	client *http.Client
	logger *zap.Logger

	// AuthTTL is the lifetime written into the authorization event.
	AuthTTL time.Duration
}

// NewBlossomUploader creates an uploader for the server at base URL server.
func NewBlossomUploader(server string, logger *zap.Logger) *BlossomUploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BlossomUploader{
		server:  strings.TrimRight(server, "/"),
		client:  &http.Client{Timeout: 2 * time.Minute},
		logger:  logger,
		AuthTTL: 5 * time.Minute,
	}
}

type blobDescriptor struct {
	URL    string `json:"url"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
	Type   string `json:"type"`
}

func (u *BlossomUploader) Upload(ctx context.Context, f File, s signer.Signer) (*Result, error) {
	if u.server == "" {
		return nil, errors.New("no upload server configured")
	}
	if len(f.Data) == 0 {
		return nil, fmt.Errorf("upload %s: empty file", f.Name)
	}
	sum := sha256.Sum256(f.Data)
	hash := hex.EncodeToString(sum[:])

	auth, err := u.authorization(ctx, s, hash, f.Name)
	if err != nil {
		return nil, fmt.Errorf("authorize upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.server+"/upload", bytes.NewReader(f.Data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", auth)
	if f.MimeType != "" {
		req.Header.Set("Content-Type", f.MimeType)
	}
	req.ContentLength = int64(len(f.Data))

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", f.Name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read upload response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		reason := resp.Header.Get("X-Reason")
		if reason == "" {
			reason = strings.TrimSpace(string(body))
		}
		return nil, fmt.Errorf("upload %s: server returned %d: %s", f.Name, resp.StatusCode, reason)
	}

	var desc blobDescriptor
	if err := json.Unmarshal(body, &desc); err != nil {
		return nil, fmt.Errorf("parse blob descriptor: %w", err)
	}
	if desc.SHA256 != "" && desc.SHA256 != hash {
		return nil, fmt.Errorf("server stored hash %s, want %s", desc.SHA256, hash)
	}
	if desc.URL == "" {
		return nil, errors.New("server returned no blob url")
	}

	u.logger.Info("uploaded attachment", zap.String("name", f.Name), zap.String("sha256", hash), zap.Int("size", len(f.Data)))
	mime := desc.Type
	if mime == "" {
		mime = f.MimeType
	}
	return &Result{URL: desc.URL, Hash: hash, Size: int64(len(f.Data)), MimeType: mime}, nil
}

func (u *BlossomUploader) authorization(ctx context.Context, s signer.Signer, hash, name string) (string, error) {
	pk, err := s.GetPublicKey(ctx)
	if err != nil {
		return "", err
	}
	now := time.Now()
	evt := nostr.Event{
		PubKey:    pk,
		Kind:      KindBlossomAuth,
		CreatedAt: nostr.Timestamp(now.Unix()),
		Tags: nostr.Tags{
			{"t", "upload"},
			{"x", hash},
			{"expiration", strconv.FormatInt(now.Add(u.AuthTTL).Unix(), 10)},
		},
		Content: "Upload " + name,
	}
	if err := s.SignEvent(ctx, &evt); err != nil {
		return "", err
	}
	raw, err := json.Marshal(evt)
	if err != nil {
		return "", err
	}
	return "Nostr " + base64.StdEncoding.EncodeToString(raw), nil
}
