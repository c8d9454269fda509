package api

import (
	"context"
	"errors"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/matheus3301/nostrdm/internal/bus"
	"github.com/matheus3301/nostrdm/internal/messaging"
	"github.com/matheus3301/nostrdm/internal/model"
	"github.com/matheus3301/nostrdm/internal/upload"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// MessagingService implements the MessagingService gRPC service.
type MessagingService struct {
	svc     *messaging.Service
	account *Account
	bus     *bus.Bus
	logger  *zap.Logger
}

// NewMessagingService creates a messaging service acting for the account's signer.
func NewMessagingService(svc *messaging.Service, account *Account, b *bus.Bus, logger *zap.Logger) *MessagingService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessagingService{svc: svc, account: account, bus: b, logger: logger}
}

func (s *MessagingService) SendMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SendMessageRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "%v", err)
	}
	if req.Recipient == "" {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "recipient is required")
	}
	if req.Content == "" && len(req.Files) == 0 && len(req.Attachments) == 0 {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "content or attachments are required")
	}
	sg, err := s.account.Signer()
	if err != nil {
		return nil, toStatus("send message", err)
	}
	files, err := readFiles(req.Files)
	if err != nil {
		return nil, err
	}

	res, err := s.svc.SendMessage(ctx, sg, messaging.SendRequest{
		Recipient:   req.Recipient,
		Content:     req.Content,
		Files:       files,
		Attachments: req.Attachments,
		Context:     req.Context,
	})
	if err != nil {
		return nil, toStatus("send message", err)
	}
	resp := SendMessageResponse{Message: res.Message, Partial: res.Partial}
	for _, r := range []struct {
		ok     bool
		relays []string
		failed []string
	}{
		{res.RecipientPublish.Success, res.RecipientPublish.PublishedRelays, res.RecipientPublish.FailedRelays},
		{res.SelfPublish.Success, res.SelfPublish.PublishedRelays, res.SelfPublish.FailedRelays},
	} {
		resp.PublishedRelays = appendUnique(resp.PublishedRelays, r.relays...)
		resp.FailedRelays = appendUnique(resp.FailedRelays, r.failed...)
	}
	return toStruct(resp)
}

// readFiles loads the referenced files for upload. Problems with the paths
// are the caller's fault, so they map to InvalidArgument.
func readFiles(refs []FileRef) ([]upload.File, error) {
	files := make([]upload.File, 0, len(refs))
	for _, ref := range refs {
		if !filepath.IsAbs(ref.Path) {
			return nil, grpcstatus.Errorf(codes.InvalidArgument, "attachment path %q is not absolute", ref.Path)
		}
		data, err := os.ReadFile(ref.Path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
				return nil, grpcstatus.Errorf(codes.InvalidArgument, "read attachment: %v", err)
			}
			return nil, grpcstatus.Errorf(codes.Internal, "read attachment: %v", err)
		}
		f := upload.File{Name: ref.Name, MimeType: ref.MimeType, Data: data}
		if f.Name == "" {
			f.Name = filepath.Base(ref.Path)
		}
		if f.MimeType == "" {
			f.MimeType = mime.TypeByExtension(filepath.Ext(f.Name))
		}
		if f.MimeType == "" {
			f.MimeType = http.DetectContentType(data)
		}
		files = append(files, f)
	}
	return files, nil
}

func (s *MessagingService) ListConversations(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	sg, err := s.account.Signer()
	if err != nil {
		return nil, toStatus("list conversations", err)
	}
	convs, err := s.svc.GetConversations(ctx, sg)
	if err != nil {
		return nil, toStatus("list conversations", err)
	}
	if convs == nil {
		convs = []model.Conversation{}
	}
	return toStruct(ListConversationsResponse{Conversations: convs})
}

func (s *MessagingService) ListMessages(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ListMessagesRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "%v", err)
	}
	sg, err := s.account.Signer()
	if err != nil {
		return nil, toStatus("list messages", err)
	}
	msgs, err := s.svc.GetMessages(ctx, sg, req.Pubkey, req.Limit)
	if err != nil {
		return nil, toStatus("list messages", err)
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	return toStruct(ListMessagesResponse{Messages: msgs})
}

func (s *MessagingService) MarkRead(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req MarkReadRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "%v", err)
	}
	sg, err := s.account.Signer()
	if err != nil {
		return nil, toStatus("mark read", err)
	}
	if err := s.svc.MarkRead(ctx, sg, req.Pubkey); err != nil {
		return nil, toStatus("mark read", err)
	}
	return toStruct(Empty{})
}

// WatchMessages streams message.received and message.sent events until the
// client goes away.
func (s *MessagingService) WatchMessages(_ *structpb.Struct, stream grpc.ServerStream) error {
	ch, unsub := s.bus.Subscribe(bus.NamespaceMessage, 64)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			out := MessageEvent{
				EventID:          uuid.New().String(),
				Kind:             evt.Kind,
				OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
			}
			if m, ok := evt.Payload.(model.Message); ok {
				out.Message = &m
			}
			msg, err := toStruct(out)
			if err != nil {
				s.logger.Warn("encode message event", zap.Error(err))
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func appendUnique(dst []string, items ...string) []string {
	for _, it := range items {
		dup := false
		for _, d := range dst {
			if d == it {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, it)
		}
	}
	return dst
}
