package bus

import (
	"testing"
	"time"
)

// collect drains whatever ch holds right now.
func collect(ch <-chan Event) []string {
	var kinds []string
	for {
		select {
		case evt := <-ch:
			kinds = append(kinds, evt.Kind)
		case <-time.After(20 * time.Millisecond):
			return kinds
		}
	}
}

func TestNamespaceRouting(t *testing.T) {
	all := []string{
		KindMessageReceived, KindMessageSent,
		KindSyncStarted, KindSyncCycle, KindSyncStopped,
		KindStatusChanged, KindSignedOut,
	}
	tests := []struct {
		namespace string
		want      []string
	}{
		{NamespaceMessage, []string{KindMessageReceived, KindMessageSent}},
		{NamespaceSync, []string{KindSyncStarted, KindSyncCycle, KindSyncStopped}},
		{NamespaceSession, []string{KindStatusChanged, KindSignedOut}},
		{KindSyncCycle, []string{KindSyncCycle}},
		{"", all},
	}
	for _, tt := range tests {
		t.Run(tt.namespace, func(t *testing.T) {
			b := New()
			ch, unsub := b.Subscribe(tt.namespace, len(all))
			defer unsub()

			for _, kind := range all {
				b.Publish(NewEvent(kind, nil))
			}
			got := collect(ch)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("event %d = %s, want %s", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestPayloadAndTimestamp(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(NamespaceSync, 1)
	defer unsub()

	before := time.Now()
	b.Publish(NewEvent(KindSyncCycle, 3))
	evt := <-ch
	if n, ok := evt.Payload.(int); !ok || n != 3 {
		t.Errorf("payload = %v, want 3", evt.Payload)
	}
	if evt.Timestamp.Before(before) {
		t.Errorf("timestamp %v is before publish", evt.Timestamp)
	}
}

func TestEverySubscriberGetsTheEvent(t *testing.T) {
	b := New()
	watch, unsubWatch := b.Subscribe(NamespaceMessage, 4)
	defer unsubWatch()
	health, unsubHealth := b.Subscribe(NamespaceMessage, 4)
	defer unsubHealth()

	b.Publish(NewEvent(KindMessageReceived, nil))
	for name, ch := range map[string]<-chan Event{"watch": watch, "health": health} {
		if got := collect(ch); len(got) != 1 {
			t.Errorf("%s got %v, want one event", name, got)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(NamespaceSession, 4)
	if b.Subscribers() != 1 {
		t.Fatalf("Subscribers() = %d, want 1", b.Subscribers())
	}
	unsub()
	unsub()
	if b.Subscribers() != 0 {
		t.Errorf("Subscribers() after unsubscribe = %d, want 0", b.Subscribers())
	}

	b.Publish(NewEvent(KindSignedOut, nil))
	if got := collect(ch); len(got) != 0 {
		t.Errorf("received %v after unsubscribe", got)
	}
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(NamespaceMessage, 1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		b.Publish(NewEvent(KindMessageReceived, "first"))
		b.Publish(NewEvent(KindMessageReceived, "second"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if evt := <-ch; evt.Payload != "first" {
		t.Errorf("payload = %v, want first", evt.Payload)
	}
}

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(NewEvent(KindMessageSent, nil))
}
