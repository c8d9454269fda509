package upload

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/matheus3301/nostrdm/internal/signer"
	"github.com/nbd-wtf/go-nostr"
)

// blossomServer accepts uploads with a valid authorization event.
func blossomServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/upload" {
			http.NotFound(w, r)
			return
		}
		data, _ := io.ReadAll(r.Body)
		sum := sha256.Sum256(data)
		hash := hex.EncodeToString(sum[:])

		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(r.Header.Get("Authorization"), "Nostr "))
		if err != nil {
			http.Error(w, "bad auth", http.StatusUnauthorized)
			return
		}
		var auth nostr.Event
		if err := json.Unmarshal(raw, &auth); err != nil {
			http.Error(w, "bad auth", http.StatusUnauthorized)
			return
		}
		if ok, _ := auth.CheckSignature(); !ok || auth.Kind != KindBlossomAuth || !hasTag(auth.Tags, "x", hash) {
			w.Header().Set("X-Reason", "invalid authorization")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if status != http.StatusOK {
			w.Header().Set("X-Reason", "quota exceeded")
			w.WriteHeader(status)
			return
		}
		_ = json.NewEncoder(w).Encode(blobDescriptor{
			URL:    "http://" + r.Host + "/" + hash,
			SHA256: hash,
			Size:   int64(len(data)),
			Type:   r.Header.Get("Content-Type"),
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBlossomUpload(t *testing.T) {
	srv := blossomServer(t, http.StatusOK)
	u := NewBlossomUploader(srv.URL+"/", nil)

	data := []byte("png bytes")
	res, err := u.Upload(context.Background(), File{Name: "a.png", MimeType: "image/png", Data: data}, signer.GenerateKeySigner())
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	sum := sha256.Sum256(data)
	if res.Hash != hex.EncodeToString(sum[:]) {
		t.Errorf("hash = %s", res.Hash)
	}
	if !strings.HasSuffix(res.URL, res.Hash) || res.Size != int64(len(data)) || res.MimeType != "image/png" {
		t.Errorf("result = %+v", res)
	}
}

func TestBlossomUploadErrors(t *testing.T) {
	s := signer.GenerateKeySigner()
	ctx := context.Background()

	srv := blossomServer(t, http.StatusPaymentRequired)
	_, err := NewBlossomUploader(srv.URL, nil).Upload(ctx, File{Name: "a", Data: []byte("x")}, s)
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Errorf("error = %v, want server reason", err)
	}

	if _, err := NewBlossomUploader(srv.URL, nil).Upload(ctx, File{Name: "empty"}, s); err == nil {
		t.Error("empty file accepted")
	}
	if _, err := NewBlossomUploader("", nil).Upload(ctx, File{Name: "a", Data: []byte("x")}, s); err == nil {
		t.Error("upload without server accepted")
	}
}

func hasTag(tags nostr.Tags, key, value string) bool {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == key && tag[1] == value {
			return true
		}
	}
	return false
}
