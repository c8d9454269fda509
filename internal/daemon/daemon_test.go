package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/nostrdm/internal/api"
	"github.com/matheus3301/nostrdm/internal/bus"
	"github.com/matheus3301/nostrdm/internal/config"
	"github.com/matheus3301/nostrdm/internal/envelope"
	"github.com/matheus3301/nostrdm/internal/messaging"
	"github.com/matheus3301/nostrdm/internal/relay/memrelay"
	"github.com/matheus3301/nostrdm/internal/signer"
	"github.com/matheus3301/nostrdm/internal/status"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

type testDaemon struct {
	app    *fxtest.App
	client *api.Client
	mem    *memrelay.Transport
}

// startDaemon runs the full fx graph against an in-memory relay. cfgBody is
// written as the config file.
func startDaemon(t *testing.T, cfgBody string, mem *memrelay.Transport) *testDaemon {
	t.Helper()
	// Use /tmp for short socket paths (macOS 104-char limit).
	tmpDir, err := os.MkdirTemp("/tmp", "nostrdm-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })
	t.Setenv("HOME", tmpDir)
	for _, k := range []string{config.EnvPrivateKey, config.EnvBunkerURL, config.EnvRelays} {
		t.Setenv(k, "")
	}

	cfgPath := filepath.Join(tmpDir, "config.toml")
	if err := os.WriteFile(cfgPath, []byte(cfgBody), 0600); err != nil {
		t.Fatal(err)
	}
	socketPath := filepath.Join(tmpDir, "d.sock")

	app := fxtest.New(t, Module(Params{
		SessionName: "test",
		SocketPath:  socketPath,
		ConfigPath:  cfgPath,
		Transport:   mem,
		Logger:      zap.NewNop(),
	}))
	app.RequireStart()
	t.Cleanup(app.RequireStop)

	client, err := api.NewClient(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return &testDaemon{app: app, client: client, mem: mem}
}

func waitStatus(t *testing.T, c *api.Client, want status.State) *api.SessionStatusResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last *api.SessionStatusResponse
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		resp, err := c.GetStatus(ctx)
		cancel()
		if err == nil {
			last = resp
			if resp.Status == string(want) {
				return resp
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("status never reached %s, last %+v", want, last)
	return nil
}

func TestDaemonLifecycle(t *testing.T) {
	ctx := context.Background()
	sk := nostr.GeneratePrivateKey()
	me, _ := nostr.GetPublicKey(sk)
	bob := signer.GenerateKeySigner()
	bobPK, _ := bob.GetPublicKey(ctx)

	mem := memrelay.New()
	pair, err := envelope.Builder{}.Build(ctx, bob, me, "welcome")
	if err != nil {
		t.Fatal(err)
	}
	mem.Add(pair.ToRecipient)

	d := startDaemon(t, fmt.Sprintf("[signer]\nprivate_key = %q\n", sk), mem)
	st := waitStatus(t, d.client, status.Ready)
	if st.Pubkey != me || st.Signer != "key" || st.Session != "test" {
		t.Errorf("status = %+v", st)
	}
	if len(st.Relays) != len(config.DefaultRelays) {
		t.Errorf("relays = %v, want defaults", st.Relays)
	}

	convs, err := d.client.ListConversations(ctx)
	if err != nil {
		t.Fatalf("ListConversations() error = %v", err)
	}
	if len(convs) != 1 || convs[0].Pubkey != bobPK {
		t.Fatalf("conversations = %+v", convs)
	}

	if _, err := d.client.SendMessage(ctx, api.SendMessageRequest{Recipient: bobPK, Content: "thanks"}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if got := len(mem.Events()); got != 3 {
		t.Errorf("relay holds %d events, want 3", got)
	}

	sync, err := d.client.GetSyncStatus(ctx)
	if err != nil || !sync.Running {
		t.Errorf("GetSyncStatus() = %+v, %v", sync, err)
	}
	if mem.Subscribers() != 1 {
		t.Errorf("live subscriptions = %d, want 1", mem.Subscribers())
	}
}

func TestDaemonWithoutUsableSigner(t *testing.T) {
	tests := []struct {
		name string
		cfg  string
	}{
		{"none", ""},
		{"bad key", "[signer]\nprivate_key = \"nsec1broken\"\n"},
		{"bad bunker", "[signer]\nbunker_url = \"https://not-a-bunker\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := startDaemon(t, tt.cfg, memrelay.New())
			waitStatus(t, d.client, status.SignerRequired)

			_, err := d.client.ListConversations(context.Background())
			if grpcstatus.Code(err) != codes.FailedPrecondition {
				t.Errorf("ListConversations() code = %v, want FailedPrecondition", grpcstatus.Code(err))
			}
		})
	}
}

func TestDaemonDegradedWhenRelaysFail(t *testing.T) {
	mem := memrelay.New()
	mem.FailQueries(true)
	d := startDaemon(t, fmt.Sprintf("[signer]\nprivate_key = %q\n", nostr.GeneratePrivateKey()), mem)
	waitStatus(t, d.client, status.Degraded)

	sync, err := d.client.GetSyncStatus(context.Background())
	if err != nil || !sync.Running {
		t.Errorf("sync should keep retrying: %+v, %v", sync, err)
	}
}

func TestWatchSync(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := bus.New()
	m := status.NewMachine(b)
	for _, s := range []status.State{status.Connecting, status.Syncing, status.Ready} {
		if err := m.Transition(s); err != nil {
			t.Fatal(err)
		}
	}
	ch, unsub := b.Subscribe(bus.KindStatusChanged, 8)
	defer unsub()
	go watchSync(ctx, b, m, zap.NewNop())

	// The watcher subscribes asynchronously.
	expect := func(cycle messaging.SyncStatus, want status.State) {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for m.Current() != want {
			b.Publish(bus.NewEvent(bus.KindSyncCycle, cycle))
			select {
			case <-ch:
			case <-time.After(20 * time.Millisecond):
			case <-deadline:
				t.Fatalf("state = %s, want %s", m.Current(), want)
			}
		}
	}
	expect(messaging.SyncStatus{LastError: "no relay answered"}, status.Degraded)
	expect(messaging.SyncStatus{LastNew: 2}, status.Ready)
}

// TestFxModuleWiring verifies the fx dependency graph resolves without errors.
func TestFxModuleWiring(t *testing.T) {
	if err := fx.ValidateApp(Module(Params{SessionName: "fxtest", Transport: memrelay.New(), Logger: zap.NewNop()})); err != nil {
		t.Fatalf("ValidateApp() error = %v", err)
	}
}
