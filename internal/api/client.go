package api

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client talks to a daemon's control socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon listening on socketPath. The connection is
// established lazily on the first call.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call invokes a unary method. req and resp are the JSON-shaped types of
// this package; resp may be nil.
func (c *Client) Call(ctx context.Context, method string, req, resp any) error {
	if req == nil {
		req = Empty{}
	}
	in, err := encode(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, FullMethod(method), in, out); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return decode(out, resp)
}

func (c *Client) Status(ctx context.Context) (*StatusView, error) {
	var v StatusView
	if err := c.Call(ctx, MethodStatus, nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *Client) Open(ctx context.Context, convID string) (*MessageList, error) {
	var v MessageList
	if err := c.Call(ctx, MethodOpen, ConversationRequest{ConversationID: convID}, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *Client) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	var v SendResult
	if err := c.Call(ctx, MethodSend, req, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Watch streams events until ctx is cancelled or fn returns an error.
func (c *Client) Watch(ctx context.Context, req WatchRequest, fn func(EventView) error) error {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], FullMethod(MethodWatch))
	if err != nil {
		return err
	}
	in, err := encode(req)
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
		var evt EventView
		if err := decode(out, &evt); err != nil {
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}
