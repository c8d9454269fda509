package model

import "sort"

// AttachmentType classifies an attachment by its media family.
type AttachmentType string

const (
	AttachmentImage    AttachmentType = "image"
	AttachmentVideo    AttachmentType = "video"
	AttachmentAudio    AttachmentType = "audio"
	AttachmentDocument AttachmentType = "document"
)

// ContextType names the kind of marketplace item a message refers to.
type ContextType string

const (
	ContextProduct  ContextType = "product"
	ContextHeritage ContextType = "heritage"
)

// Attachment is an uploaded file referenced from a message.
type Attachment struct {
	ID       string            `json:"id"`
	Type     AttachmentType    `json:"type"`
	URL      string            `json:"url"`
	Name     string            `json:"name"`
	MimeType string            `json:"mimeType"`
	Size     int64             `json:"size"`
	Hash     string            `json:"hash"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Context links a message to a marketplace or content item.
type Context struct {
	Type ContextType `json:"type"`
	ID   string      `json:"id"`
}

// Message is one decrypted direct message.
type Message struct {
	ID              string       `json:"id"`
	SenderPubkey    string       `json:"senderPubkey"`
	RecipientPubkey string       `json:"recipientPubkey"`
	Content         string       `json:"content"`
	Attachments     []Attachment `json:"attachments,omitempty"`
	CreatedAt       int64        `json:"createdAt"`
	Context         *Context     `json:"context,omitempty"`
	IsSent          bool         `json:"isSent"`
}

// IsSelfToSelf reports whether the message was addressed by the viewer to themself.
// Older client versions produced these by mistake; they are never shown.
func (m *Message) IsSelfToSelf(viewer string) bool {
	return m.SenderPubkey == viewer && m.RecipientPubkey == viewer
}

// Counterpart returns the other party of the message as seen by viewer.
func (m *Message) Counterpart(viewer string) string {
	if m.SenderPubkey == viewer {
		return m.RecipientPubkey
	}
	return m.SenderPubkey
}

// BelongsTo reports whether the message is part of the conversation between viewer and other.
// Only the two directions received (other -> viewer) and sent (viewer -> other) qualify.
func (m *Message) BelongsTo(viewer, other string) bool {
	if other == viewer {
		return false
	}
	received := m.SenderPubkey == other && m.RecipientPubkey == viewer
	sent := m.SenderPubkey == viewer && m.RecipientPubkey == other
	return received || sent
}

// Conversation aggregates all messages exchanged with one counterpart.
type Conversation struct {
	Pubkey            string   `json:"pubkey"`
	DisplayName       string   `json:"displayName,omitempty"`
	Avatar            string   `json:"avatar,omitempty"`
	LastMessage       *Message `json:"lastMessage,omitempty"`
	LastMessageAt     int64    `json:"lastMessageAt"`
	Context           *Context `json:"context,omitempty"`
	UnreadCount       int      `json:"unreadCount"`
	LastReadTimestamp int64    `json:"lastReadTimestamp"`
}

// SortMessages orders messages ascending by creation time, breaking ties by id.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt != msgs[j].CreatedAt {
			return msgs[i].CreatedAt < msgs[j].CreatedAt
		}
		return msgs[i].ID < msgs[j].ID
	})
}

// SortConversations orders conversations by last message time, newest first.
func SortConversations(convs []Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		if convs[i].LastMessageAt != convs[j].LastMessageAt {
			return convs[i].LastMessageAt > convs[j].LastMessageAt
		}
		return convs[i].Pubkey < convs[j].Pubkey
	})
}

// MergeMessages merges incoming into existing, de-duplicating by id and keeping
// the result sorted by time. Incoming entries replace existing ones with the same id.
func MergeMessages(existing, incoming []Message) []Message {
	byID := make(map[string]int, len(existing)+len(incoming))
	out := make([]Message, 0, len(existing)+len(incoming))
	for _, m := range existing {
		if i, ok := byID[m.ID]; ok {
			out[i] = m
			continue
		}
		byID[m.ID] = len(out)
		out = append(out, m)
	}
	for _, m := range incoming {
		if i, ok := byID[m.ID]; ok {
			out[i] = m
			continue
		}
		byID[m.ID] = len(out)
		out = append(out, m)
	}
	SortMessages(out)
	return out
}

// BuildConversations groups messages by counterpart as seen by viewer, keeping the
// newest message of each group. Self-to-self artifacts are dropped. Unread counts
// are computed against the previous read marks in lastRead.
func BuildConversations(viewer string, msgs []Message, lastRead map[string]int64) []Conversation {
	byPeer := make(map[string]*Conversation)
	for i := range msgs {
		m := msgs[i]
		if m.IsSelfToSelf(viewer) {
			continue
		}
		if m.SenderPubkey != viewer && m.RecipientPubkey != viewer {
			continue
		}
		peer := m.Counterpart(viewer)
		if peer == "" || peer == viewer {
			continue
		}
		c, ok := byPeer[peer]
		if !ok {
			c = &Conversation{Pubkey: peer, LastReadTimestamp: lastRead[peer]}
			byPeer[peer] = c
		}
		if c.LastMessage == nil || m.CreatedAt > c.LastMessageAt ||
			(m.CreatedAt == c.LastMessageAt && m.ID > c.LastMessage.ID) {
			c.LastMessage = &m
			c.LastMessageAt = m.CreatedAt
			c.Context = m.Context
		}
		if !m.IsSent && m.CreatedAt > c.LastReadTimestamp {
			c.UnreadCount++
		}
	}

	convs := make([]Conversation, 0, len(byPeer))
	for _, c := range byPeer {
		convs = append(convs, *c)
	}
	SortConversations(convs)
	return convs
}
