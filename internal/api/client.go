package api

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/matheus3301/nostrdm/internal/model"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client wraps a gRPC connection to the daemon.
type Client struct {
	conn grpc.ClientConnInterface
	c    io.Closer
}

// NewClient dials the daemon's Unix domain socket.
func NewClient(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn, c: conn}, nil
}

// NewClientConn wraps an existing connection. Close then closes conn if it
// implements io.Closer.
func NewClientConn(conn grpc.ClientConnInterface) *Client {
	c, _ := conn.(io.Closer)
	return &Client{conn: conn, c: c}
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	if c.c == nil {
		return nil
	}
	return c.c.Close()
}

func (c *Client) call(ctx context.Context, service, method string, req, resp any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+service+"/"+method, in, out); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return fromStruct(out, resp)
}

func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (*SendMessageResponse, error) {
	var resp SendMessageResponse
	if err := c.call(ctx, MessagingServiceName, "SendMessage", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	var resp ListConversationsResponse
	if err := c.call(ctx, MessagingServiceName, "ListConversations", Empty{}, &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

func (c *Client) ListMessages(ctx context.Context, pubkey string, limit int) ([]model.Message, error) {
	var resp ListMessagesResponse
	if err := c.call(ctx, MessagingServiceName, "ListMessages", ListMessagesRequest{Pubkey: pubkey, Limit: limit}, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c *Client) MarkRead(ctx context.Context, pubkey string) error {
	return c.call(ctx, MessagingServiceName, "MarkRead", MarkReadRequest{Pubkey: pubkey}, nil)
}

// WatchMessages calls fn for every streamed event until ctx ends or the
// stream fails. A clean server shutdown returns nil.
func (c *Client) WatchMessages(ctx context.Context, fn func(MessageEvent)) error {
	stream, err := c.conn.NewStream(ctx, &messagingDesc.Streams[0], "/"+MessagingServiceName+"/WatchMessages")
	if err != nil {
		return err
	}
	in, err := toStruct(Empty{})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		out := new(structpb.Struct)
		if err := stream.RecvMsg(out); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var evt MessageEvent
		if err := fromStruct(out, &evt); err != nil {
			return err
		}
		fn(evt)
	}
}

func (c *Client) GetSyncStatus(ctx context.Context) (*SyncStatusResponse, error) {
	var resp SyncStatusResponse
	if err := c.call(ctx, SyncServiceName, "GetSyncStatus", Empty{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) StartSync(ctx context.Context) (*StartSyncResponse, error) {
	var resp StartSyncResponse
	if err := c.call(ctx, SyncServiceName, "StartSync", Empty{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) StopSync(ctx context.Context) error {
	return c.call(ctx, SyncServiceName, "StopSync", Empty{}, nil)
}

func (c *Client) GetStatus(ctx context.Context) (*SessionStatusResponse, error) {
	var resp SessionStatusResponse
	if err := c.call(ctx, SessionServiceName, "GetStatus", Empty{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) SignOut(ctx context.Context) error {
	return c.call(ctx, SessionServiceName, "SignOut", Empty{}, nil)
}
