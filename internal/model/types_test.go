package model

import "testing"

const (
	userA = "aaaa"
	userB = "bbbb"
	userC = "cccc"
)

func msg(id, from, to string, ts int64) Message {
	return Message{ID: id, SenderPubkey: from, RecipientPubkey: to, CreatedAt: ts, IsSent: from == userA}
}

func TestBuildConversationsAggregation(t *testing.T) {
	msgs := []Message{
		msg("b1", userB, userA, 10),
		msg("b2", userA, userB, 20),
		msg("b3", userB, userA, 30),
		msg("c1", userC, userA, 5),
		msg("c2", userA, userC, 15),
	}

	convs := BuildConversations(userA, msgs, nil)
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}
	if convs[0].Pubkey != userB || convs[0].LastMessageAt != 30 {
		t.Errorf("first = %s@%d, want %s@30", convs[0].Pubkey, convs[0].LastMessageAt, userB)
	}
	if convs[1].Pubkey != userC || convs[1].LastMessageAt != 15 {
		t.Errorf("second = %s@%d, want %s@15", convs[1].Pubkey, convs[1].LastMessageAt, userC)
	}
	if convs[0].LastMessage == nil || convs[0].LastMessage.ID != "b3" {
		t.Errorf("last message of B = %v, want b3", convs[0].LastMessage)
	}
	if convs[0].UnreadCount != 2 {
		t.Errorf("unread for B = %d, want 2", convs[0].UnreadCount)
	}
}

func TestBuildConversationsExcludesSelfToSelf(t *testing.T) {
	msgs := []Message{
		msg("self", userA, userA, 50),
		msg("b1", userB, userA, 10),
	}

	convs := BuildConversations(userA, msgs, nil)
	if len(convs) != 1 {
		t.Fatalf("got %d conversations, want 1", len(convs))
	}
	for _, c := range convs {
		if c.Pubkey == userA {
			t.Error("conversation keyed to the viewer's own pubkey")
		}
	}
}

func TestBuildConversationsRespectsReadMarks(t *testing.T) {
	msgs := []Message{
		msg("b1", userB, userA, 10),
		msg("b2", userB, userA, 20),
	}
	convs := BuildConversations(userA, msgs, map[string]int64{userB: 10})
	if convs[0].UnreadCount != 1 {
		t.Errorf("unread = %d, want 1", convs[0].UnreadCount)
	}
	if convs[0].LastReadTimestamp != 10 {
		t.Errorf("last read = %d, want 10", convs[0].LastReadTimestamp)
	}
}

func TestBelongsTo(t *testing.T) {
	tests := []struct {
		name string
		m    Message
		want bool
	}{
		{"received", msg("1", userB, userA, 1), true},
		{"sent", msg("2", userA, userB, 1), true},
		{"self to self", msg("3", userA, userA, 1), false},
		{"other conversation", msg("4", userC, userA, 1), false},
		{"foreign", msg("5", userB, userC, 1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.m.BelongsTo(userA, userB); got != tt.want {
				t.Errorf("BelongsTo() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMergeMessagesDedup(t *testing.T) {
	existing := []Message{msg("1", userB, userA, 10), msg("2", userB, userA, 30)}
	incoming := []Message{msg("3", userA, userB, 20), msg("1", userB, userA, 10)}

	merged := MergeMessages(existing, incoming)
	if len(merged) != 3 {
		t.Fatalf("got %d messages, want 3", len(merged))
	}
	want := []string{"1", "3", "2"}
	for i, id := range want {
		if merged[i].ID != id {
			t.Errorf("merged[%d] = %s, want %s", i, merged[i].ID, id)
		}
	}
}
