package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/nostrdm/internal/bus"
	"github.com/matheus3301/nostrdm/internal/cache"
	"github.com/matheus3301/nostrdm/internal/crypto"
	"github.com/matheus3301/nostrdm/internal/envelope"
	"github.com/matheus3301/nostrdm/internal/messaging"
	"github.com/matheus3301/nostrdm/internal/model"
	"github.com/matheus3301/nostrdm/internal/payload"
	"github.com/matheus3301/nostrdm/internal/relay"
	"github.com/matheus3301/nostrdm/internal/relay/memrelay"
	"github.com/matheus3301/nostrdm/internal/signer"
	"github.com/matheus3301/nostrdm/internal/status"
	"github.com/matheus3301/nostrdm/internal/upload"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type harness struct {
	client  *Client
	mem     *memrelay.Transport
	account *Account
	machine *status.Machine
	me      *signer.KeySigner
	mePK    string
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithUploader(t, nil)
}

func newHarnessWithUploader(t *testing.T, uploader upload.Uploader) *harness {
	t.Helper()
	logger := zap.NewNop()
	mem := memrelay.New()
	b := bus.New()
	caches := cache.NewManager(t.TempDir(), cache.Options{Logger: logger})
	svc := messaging.New(messaging.Deps{Transport: mem, Caches: caches, Uploader: uploader, Bus: b, Logger: logger}, messaging.Config{})

	me := signer.GenerateKeySigner()
	mePK, _ := me.GetPublicKey(context.Background())
	account := &Account{}
	account.Set(me, mePK, "key")

	machine := status.NewMachine(b)
	for _, s := range []status.State{status.Connecting, status.Syncing, status.Ready} {
		if err := machine.Transition(s); err != nil {
			t.Fatal(err)
		}
	}

	srv := grpc.NewServer()
	RegisterMessagingServer(srv, NewMessagingService(svc, account, b, logger))
	RegisterSyncServer(srv, NewSyncService(svc.Syncer(), account))
	RegisterSessionServer(srv, NewSessionService("test", []string{"mem://relay"}, machine, account, svc, caches, logger))

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	client := NewClientConn(conn)

	t.Cleanup(func() {
		_ = client.Close()
		srv.Stop()
		svc.Close()
		_ = caches.Close()
	})
	return &harness{client: client, mem: mem, account: account, machine: machine, me: me, mePK: mePK}
}

func TestMessagingRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h := newHarness(t)

	bob := signer.GenerateKeySigner()
	bobPK, _ := bob.GetPublicKey(ctx)
	earlier := envelope.Builder{Now: func() time.Time { return time.Now().Add(-time.Minute) }}
	pair, err := earlier.Build(ctx, bob, h.mePK, "hi from bob")
	if err != nil {
		t.Fatal(err)
	}
	h.mem.Add(pair.ToRecipient)

	convs, err := h.client.ListConversations(ctx)
	if err != nil {
		t.Fatalf("ListConversations() error = %v", err)
	}
	if len(convs) != 1 || convs[0].Pubkey != bobPK || convs[0].UnreadCount != 1 {
		t.Fatalf("conversations = %+v", convs)
	}
	if convs[0].LastMessage == nil || convs[0].LastMessage.Content != "hi from bob" {
		t.Errorf("last message = %+v", convs[0].LastMessage)
	}

	npub, _ := nip19.EncodePublicKey(bobPK)
	resp, err := h.client.SendMessage(ctx, SendMessageRequest{Recipient: npub, Content: "hi bob"})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if resp.Partial || len(resp.PublishedRelays) != 1 || resp.Message.RecipientPubkey != bobPK {
		t.Errorf("send response = %+v", resp)
	}

	msgs, err := h.client.ListMessages(ctx, npub, 10)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(msgs) != 2 || msgs[1].Content != "hi bob" || !msgs[1].IsSent {
		t.Errorf("messages = %+v", msgs)
	}

	if err := h.client.MarkRead(ctx, npub); err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}
	convs, _ = h.client.ListConversations(ctx)
	if convs[0].UnreadCount != 0 {
		t.Errorf("unread after MarkRead = %d", convs[0].UnreadCount)
	}

	st, err := h.client.GetStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != string(status.Ready) || st.Pubkey != h.mePK || st.MessageCount != 2 || st.ConversationCount != 1 {
		t.Errorf("status = %+v", st)
	}
}

func TestSendValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	tests := []struct {
		name string
		req  SendMessageRequest
		want codes.Code
	}{
		{"missing content", SendMessageRequest{Recipient: h.mePK}, codes.InvalidArgument},
		{"missing recipient", SendMessageRequest{Content: "x"}, codes.InvalidArgument},
		{"bad recipient", SendMessageRequest{Recipient: "npub-nope", Content: "x"}, codes.InvalidArgument},
		{"to self", SendMessageRequest{Recipient: h.mePK, Content: "x"}, codes.InvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.client.SendMessage(ctx, tt.req)
			if got := grpcstatus.Code(err); got != tt.want {
				t.Errorf("code = %v, want %v (%v)", got, tt.want, err)
			}
		})
	}

	h.mem.FailPublish(func(nostr.Event) bool { return true })
	bob := signer.GenerateKeySigner()
	bobPK, _ := bob.GetPublicKey(ctx)
	_, err := h.client.SendMessage(ctx, SendMessageRequest{Recipient: bobPK, Content: "x"})
	if grpcstatus.Code(err) != codes.Unavailable {
		t.Errorf("all relays rejecting: code = %v, want Unavailable", grpcstatus.Code(err))
	}
}

type recordingUploader struct {
	mu    sync.Mutex
	files []upload.File
}

func (u *recordingUploader) Upload(_ context.Context, f upload.File, _ signer.Signer) (*upload.Result, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.files = append(u.files, f)
	return &upload.Result{URL: "https://blossom.example/" + f.Name, Hash: "abc123", Size: int64(len(f.Data))}, nil
}

func TestSendAttachments(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	uploader := &recordingUploader{}
	h := newHarnessWithUploader(t, uploader)

	bob := signer.GenerateKeySigner()
	bobPK, _ := bob.GetPublicKey(ctx)

	dir := t.TempDir()
	photo := filepath.Join(dir, "photo.png")
	if err := os.WriteFile(photo, []byte("\x89PNG\r\n\x1a\nfake"), 0600); err != nil {
		t.Fatal(err)
	}
	notes := filepath.Join(dir, "notes")
	if err := os.WriteFile(notes, []byte("plain words"), 0600); err != nil {
		t.Fatal(err)
	}
	hosted := model.Attachment{ID: "a1", Type: model.AttachmentDocument, URL: "https://files.example/spec.pdf", Name: "spec.pdf", MimeType: "application/pdf", Size: 1200000}

	resp, err := h.client.SendMessage(ctx, SendMessageRequest{
		Recipient:   bobPK,
		Files:       []FileRef{{Path: photo}, {Path: notes, Name: "notes.txt"}},
		Attachments: []model.Attachment{hosted},
	})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	if len(uploader.files) != 2 {
		t.Fatalf("uploaded %d files, want 2", len(uploader.files))
	}
	if f := uploader.files[0]; f.Name != "photo.png" || f.MimeType != "image/png" {
		t.Errorf("first upload = %s (%s), want photo.png (image/png)", f.Name, f.MimeType)
	}
	if f := uploader.files[1]; f.Name != "notes.txt" || f.MimeType == "" {
		t.Errorf("second upload = %s (%q), want notes.txt with a MIME type", f.Name, f.MimeType)
	}

	got := resp.Message.Attachments
	if len(got) != 3 || got[0].URL != hosted.URL || got[0].Size != hosted.Size || got[1].URL != "https://blossom.example/photo.png" {
		t.Fatalf("attachments = %+v", got)
	}
	if got[1].Type != model.AttachmentImage {
		t.Errorf("photo attachment type = %s, want image", got[1].Type)
	}

	// The recipient sees the same attachments and no content.
	var wrap *nostr.Event
	for _, evt := range h.mem.Events() {
		if envelope.Recipient(&evt) == bobPK {
			wrap = &evt
			break
		}
	}
	if wrap == nil {
		t.Fatal("no gift wrap for bob on the relay")
	}
	rumor, err := envelope.Unwrap(ctx, bob.NIP44(), wrap)
	if err != nil {
		t.Fatal(err)
	}
	content, atts, _ := payload.Decode(rumor.Content)
	if content != "" || len(atts) != 3 || atts[2].Name != "notes.txt" {
		t.Errorf("bob decoded %q with %+v", content, atts)
	}
}

func TestSendAttachmentErrors(t *testing.T) {
	ctx := context.Background()
	bob := signer.GenerateKeySigner()
	bobPK, _ := bob.GetPublicKey(ctx)
	file := filepath.Join(t.TempDir(), "a.txt")
	if err := os.WriteFile(file, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		uploader upload.Uploader
		files    []FileRef
		want     codes.Code
	}{
		{"relative path", &recordingUploader{}, []FileRef{{Path: "a.txt"}}, codes.InvalidArgument},
		{"missing file", &recordingUploader{}, []FileRef{{Path: filepath.Join(t.TempDir(), "gone")}}, codes.InvalidArgument},
		{"no uploader", nil, []FileRef{{Path: file}}, codes.Aborted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarnessWithUploader(t, tt.uploader)
			_, err := h.client.SendMessage(ctx, SendMessageRequest{Recipient: bobPK, Files: tt.files})
			if got := grpcstatus.Code(err); got != tt.want {
				t.Errorf("code = %v, want %v (%v)", got, tt.want, err)
			}
			if len(h.mem.Events()) != 0 {
				t.Errorf("%d events published after a failed upload", len(h.mem.Events()))
			}
		})
	}
}

func TestWatchMessages(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h := newHarness(t)

	got := make(chan MessageEvent, 4)
	watchCtx, stopWatch := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- h.client.WatchMessages(watchCtx, func(e MessageEvent) { got <- e }) }()

	bobPK, _ := signer.GenerateKeySigner().GetPublicKey(ctx)
	// The stream subscribes asynchronously; resend until an event arrives.
	var evt MessageEvent
	for evt.Kind == "" {
		if _, err := h.client.SendMessage(ctx, SendMessageRequest{Recipient: bobPK, Content: "watched"}); err != nil {
			t.Fatal(err)
		}
		select {
		case evt = <-got:
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			t.Fatal("no event streamed")
		}
	}
	if evt.Kind != bus.KindMessageSent || evt.Message == nil || evt.Message.Content != "watched" || evt.EventID == "" {
		t.Errorf("event = %+v", evt)
	}

	stopWatch()
	if err := <-done; err != nil && grpcstatus.Code(err) != codes.Canceled {
		t.Errorf("WatchMessages() = %v", err)
	}
}

func TestSyncControl(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	started, err := h.client.StartSync(ctx)
	if err != nil || !started.Started {
		t.Fatalf("StartSync() = %+v, %v", started, err)
	}
	again, err := h.client.StartSync(ctx)
	if err != nil || again.Started {
		t.Errorf("second StartSync() = %+v, %v", again, err)
	}
	st, err := h.client.GetSyncStatus(ctx)
	if err != nil || !st.Running || st.IntervalMs < time.Minute.Milliseconds() {
		t.Errorf("GetSyncStatus() = %+v, %v", st, err)
	}
	if err := h.client.StopSync(ctx); err != nil {
		t.Fatal(err)
	}
	if st, _ := h.client.GetSyncStatus(ctx); st.Running {
		t.Error("sync still running after StopSync")
	}
}

func TestSignOut(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	if _, err := h.client.ListConversations(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.client.SignOut(ctx); err != nil {
		t.Fatalf("SignOut() error = %v", err)
	}
	if h.machine.Current() != status.SignedOut {
		t.Errorf("state = %s, want SIGNED_OUT", h.machine.Current())
	}
	_, err := h.client.ListConversations(ctx)
	if grpcstatus.Code(err) != codes.FailedPrecondition {
		t.Errorf("after sign out: code = %v, want FailedPrecondition", grpcstatus.Code(err))
	}
	st, err := h.client.GetStatus(ctx)
	if err != nil || st.Pubkey != "" || st.MessageCount != 0 {
		t.Errorf("status after sign out = %+v, %v", st, err)
	}
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{ErrSignedOut, codes.FailedPrecondition},
		{fmt.Errorf("sign: %w", crypto.ErrUserDenied), codes.PermissionDenied},
		{crypto.ErrSignerTimeout, codes.DeadlineExceeded},
		{crypto.ErrUnsupportedCapability, codes.Unimplemented},
		{&envelope.StageError{Stage: envelope.StagePublished, Err: relay.ErrPublishFailed}, codes.Unavailable},
		{messaging.ErrFetchFailed, codes.Unavailable},
		{&messaging.UploadError{File: "a.png", Err: errors.New("full")}, codes.Aborted},
		{messaging.ErrUnknownConversation, codes.NotFound},
		{signer.ErrInvalidKey, codes.InvalidArgument},
		{errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got := grpcstatus.Code(toStatus("op", tt.err)); got != tt.want {
				t.Errorf("toStatus(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
	if toStatus("op", nil) != nil {
		t.Error("toStatus(nil) != nil")
	}
}
