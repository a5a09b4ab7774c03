package remote

import (
	"context"
	"crypto/tls"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// Client is a connection to a zbf.Runner service.
type Client struct {
	config Config
	conn   *grpc.ClientConn
}

// Dial connects to a runner service. The connection is established
// lazily; the first call reports transport failures.
func Dial(config Config) (*Client, error) {
	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                config.KeepaliveTime,
			Timeout:             config.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(CodecName),
			grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
			grpc.MaxCallSendMsgSize(config.MaxMessageSize),
		),
	}

	if config.UseTLS {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{
			MinVersion: tls.VersionTLS12,
		})))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	if token := config.ExpandedToken(); token != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(&tokenAuth{
			token:  token,
			useTLS: config.UseTLS,
		}))
	}

	conn, err := grpc.Dial(config.Endpoint, opts...) //nolint:staticcheck
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", config.Endpoint, err)
	}

	return &Client{config: config, conn: conn}, nil
}

// Submit stores a program in the remote catalog.
func (c *Client) Submit(ctx context.Context, req *SubmitRequest) (*SubmitReply, error) {
	reply := new(SubmitReply)
	if err := c.conn.Invoke(ctx, methodSubmit, req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// Run executes inline source or a stored program. Faults come back in
// the reply, not as call errors.
func (c *Client) Run(ctx context.Context, req *RunRequest) (*RunReply, error) {
	reply := new(RunReply)
	if err := c.conn.Invoke(ctx, methodRun, req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// Get fetches a stored program by base58 ID or by name.
func (c *Client) Get(ctx context.Context, ref string) (*GetReply, error) {
	reply := new(GetReply)
	if err := c.conn.Invoke(ctx, methodGet, &GetRequest{Ref: ref}, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// Watch subscribes to a program's run records. Stored records with
// sequence numbers above fromSeq replay first, then the stream follows
// live appends until ctx is canceled.
func (c *Client) Watch(ctx context.Context, ref string, fromSeq uint64) (*WatchStream, error) {
	desc := &grpc.StreamDesc{
		StreamName:    "Watch",
		ServerStreams: true,
	}

	stream, err := c.conn.NewStream(ctx, desc, methodWatch)
	if err != nil {
		return nil, fmt.Errorf("failed to open watch stream: %w", err)
	}
	if err := stream.SendMsg(&WatchRequest{Ref: ref, FromSeq: fromSeq}); err != nil {
		return nil, fmt.Errorf("failed to send watch request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("failed to close send side: %w", err)
	}

	return &WatchStream{stream: stream}, nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// WatchStream delivers run records from a Watch subscription.
type WatchStream struct {
	stream grpc.ClientStream
}

// Recv blocks for the next record. It returns io.EOF when the server
// ends the stream.
func (s *WatchStream) Recv() (*RecordEvent, error) {
	ev := new(RecordEvent)
	if err := s.stream.RecvMsg(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// tokenAuth implements credentials.PerRPCCredentials for token-based
// authentication.
type tokenAuth struct {
	token  string
	useTLS bool
}

func (t *tokenAuth) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"x-token": t.token}, nil
}

func (t *tokenAuth) RequireTransportSecurity() bool {
	return t.useTLS
}
