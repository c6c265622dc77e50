package rpc

import (
	"context"
	"encoding/base64"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls dnnbridge.Bridge.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// Dial connects to target without transport security.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", target)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close closes the connection when the client created it.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) LoadNetwork(ctx context.Context, cfg, weights, description string) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]any{"cfg": cfg, "weights": weights, "description": description})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodLoadNetwork, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// InferOptions are the optional Infer fields. Zero values use the server defaults.
type InferOptions struct {
	Layer     string
	Width     int
	Height    int
	Scale     float64
	ShapeOnly bool
}

// Infer sends an encoded image (JPEG, PNG, ...) to network id. A nil image runs a
// black frame.
func (c *Client) Infer(ctx context.Context, id string, image []byte, opts InferOptions) (*structpb.Struct, error) {
	fields := map[string]any{
		"id":          id,
		"layer":       opts.Layer,
		"width":       opts.Width,
		"height":      opts.Height,
		"scale":       opts.Scale,
		"includeData": !opts.ShapeOnly,
	}
	if len(image) > 0 {
		fields["image"] = base64.StdEncoding.EncodeToString(image)
	}
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodInfer, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ReleaseNetwork(ctx context.Context, id string) error {
	in, err := structpb.NewStruct(map[string]any{"id": id})
	if err != nil {
		return err
	}
	return c.cc.Invoke(ctx, methodReleaseNetwork, in, new(emptypb.Empty))
}

func (c *Client) ListNetworks(ctx context.Context) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodListNetworks, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Shutdown(ctx context.Context) error {
	return c.cc.Invoke(ctx, methodShutdown, &emptypb.Empty{}, new(emptypb.Empty))
}
