package api

import (
	"encoding/json"
	"fmt"

	"github.com/matheus3301/nostrdm/internal/model"
	"google.golang.org/protobuf/types/known/structpb"
)

// Every RPC carries a google.protobuf.Struct. The Go types below define the
// fields each one uses; toStruct and fromStruct convert through JSON.

type Empty struct{}

// SendMessageRequest needs content, files or attachments. Files are read
// and uploaded by the daemon, so their paths must be absolute.
type SendMessageRequest struct {
	Recipient   string             `json:"recipient"`
	Content     string             `json:"content"`
	Context     *model.Context     `json:"context,omitempty"`
	Files       []FileRef          `json:"files,omitempty"`
	Attachments []model.Attachment `json:"attachments,omitempty"`
}

// FileRef points at a local file to attach. Name defaults to the base name
// and MimeType is guessed when empty.
type FileRef struct {
	Path     string `json:"path"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

type SendMessageResponse struct {
	Message         model.Message `json:"message"`
	Partial         bool          `json:"partial"`
	PublishedRelays []string      `json:"publishedRelays,omitempty"`
	FailedRelays    []string      `json:"failedRelays,omitempty"`
}

type ListConversationsResponse struct {
	Conversations []model.Conversation `json:"conversations"`
}

type ListMessagesRequest struct {
	Pubkey string `json:"pubkey"`
	Limit  int    `json:"limit,omitempty"`
}

type ListMessagesResponse struct {
	Messages []model.Message `json:"messages"`
}

type MarkReadRequest struct {
	Pubkey string `json:"pubkey"`
}

// MessageEvent is one item of the WatchMessages stream.
type MessageEvent struct {
	EventID          string         `json:"eventId"`
	Kind             string         `json:"kind"`
	OccurredAtUnixMs int64          `json:"occurredAtUnixMs"`
	Message          *model.Message `json:"message,omitempty"`
}

type SyncStatusResponse struct {
	Running           bool   `json:"running"`
	IntervalMs        int64  `json:"intervalMs"`
	EmptyCycles       int    `json:"emptyCycles"`
	LastCycleAtUnixMs int64  `json:"lastCycleAtUnixMs,omitempty"`
	LastNew           int    `json:"lastNew"`
	LastError         string `json:"lastError,omitempty"`
}

type StartSyncResponse struct {
	Started bool   `json:"started"`
	Message string `json:"message"`
}

type SessionStatusResponse struct {
	Session           string   `json:"session"`
	Status            string   `json:"status"`
	Pubkey            string   `json:"pubkey,omitempty"`
	Npub              string   `json:"npub,omitempty"`
	Signer            string   `json:"signer,omitempty"`
	Relays            []string `json:"relays"`
	UptimeMs          int64    `json:"uptimeMs"`
	MessageCount      int64    `json:"messageCount"`
	ConversationCount int64    `json:"conversationCount"`
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return structpb.NewStruct(m)
}

func fromStruct(s *structpb.Struct, v any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}
