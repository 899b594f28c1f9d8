package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Sidecar method names. Requests and replies are google.protobuf.Struct values,
// so the sidecar can be written in any language without shared stubs.
const (
	sidecarCompleteMethod = "/tutor.v1.Generation/Complete"
	sidecarStreamMethod   = "/tutor.v1.Generation/Stream"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errSidecarReply             = errors.New("sidecar returned error")
)

var sidecarStreamDesc = &grpc.StreamDesc{
	StreamName:    "Stream",
	ServerStreams: true,
}

// SidecarConfig holds configuration for the gRPC generation sidecar.
type SidecarConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultSidecarConfig returns default sidecar configuration.
func DefaultSidecarConfig() SidecarConfig {
	return SidecarConfig{
		Address:          "localhost:50051",
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   30 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// SidecarClient implements Client against a gRPC generation sidecar.
type SidecarClient struct {
	conn    *grpc.ClientConn
	addr    string
	timeout time.Duration
	logger  *slog.Logger
}

// NewSidecarClient dials the sidecar and waits until the connection is ready.
func NewSidecarClient(cfg SidecarConfig, logger *slog.Logger) (*SidecarClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultSidecarConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = def.KeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = def.KeepaliveTimeout
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to generation sidecar at %s: %w", cfg.Address, err)
	}

	// Fail fast on a bad sidecar endpoint.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("generation sidecar at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to generation sidecar", "address", cfg.Address)

	return &SidecarClient{
		conn:    conn,
		addr:    cfg.Address,
		timeout: cfg.RequestTimeout,
		logger:  logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *SidecarClient) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		c.logger.Warn("failed to close gRPC connection", "error", err)
		return err
	}
	return nil
}

// Complete issues a unary generation call.
func (c *SidecarClient) Complete(ctx context.Context, req Request) (*Response, error) {
	in, err := encodeSidecarRequest(req, false)
	if err != nil {
		return nil, NewFatalError(err)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, sidecarCompleteMethod, in, out); err != nil {
		return nil, grpcError("complete", err)
	}
	fields := out.AsMap()
	if msg := stringField(fields, "error"); msg != "" {
		return nil, unavailable(fmt.Errorf("%w: %s", errSidecarReply, msg), false)
	}
	return &Response{
		Content:    stringField(fields, "text"),
		Model:      stringField(fields, "model"),
		StopReason: stringField(fields, "stop_reason"),
		Usage: Usage{
			InputTokens:  intField(fields, "input_tokens"),
			OutputTokens: intField(fields, "output_tokens"),
		},
	}, nil
}

// Stream issues a server-streaming generation call.
func (c *SidecarClient) Stream(ctx context.Context, req Request) iter.Seq2[*Chunk, error] {
	return func(yield func(*Chunk, error) bool) {
		in, err := encodeSidecarRequest(req, true)
		if err != nil {
			yield(nil, NewFatalError(err))
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := c.conn.NewStream(ctx, sidecarStreamDesc, sidecarStreamMethod)
		if err != nil {
			yield(nil, grpcError("open stream", err))
			return
		}
		if err := stream.SendMsg(in); err != nil {
			yield(nil, grpcError("send stream request", err))
			return
		}
		if err := stream.CloseSend(); err != nil {
			yield(nil, grpcError("close send", err))
			return
		}

		var usage Usage
		for {
			msg := &structpb.Struct{}
			err := stream.RecvMsg(msg)
			if errors.Is(err, io.EOF) {
				yield(nil, unavailable(errors.New("sidecar stream ended without done"), true))
				return
			}
			if err != nil {
				yield(nil, grpcError("stream", err))
				return
			}

			fields := msg.AsMap()
			if errMsg := stringField(fields, "error"); errMsg != "" {
				yield(nil, unavailable(fmt.Errorf("%w: %s", errSidecarReply, errMsg), false))
				return
			}
			if n := intField(fields, "input_tokens"); n > 0 {
				usage.InputTokens = n
			}
			if n := intField(fields, "output_tokens"); n > 0 {
				usage.OutputTokens = n
			}
			if text := stringField(fields, "text"); text != "" {
				if !yield(&Chunk{Text: text}, nil) {
					return
				}
			}
			if done, _ := fields["done"].(bool); done {
				yield(&Chunk{Done: true, Usage: usage}, nil)
				return
			}
		}
	}
}

func encodeSidecarRequest(req Request, stream bool) (*structpb.Struct, error) {
	system := make([]any, 0, len(req.System))
	for _, b := range req.System {
		system = append(system, map[string]any{"text": b.Text, "cacheable": b.Cacheable})
	}
	messages := make([]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, map[string]any{"role": m.Role, "content": m.Content})
	}
	s, err := structpb.NewStruct(map[string]any{
		"model":       req.Model,
		"temperature": req.Temperature,
		"max_tokens":  float64(req.MaxTokens),
		"system":      system,
		"messages":    messages,
		"stream":      stream,
	})
	if err != nil {
		return nil, fmt.Errorf("encode sidecar request: %w", err)
	}
	return s, nil
}

func grpcError(op string, err error) error {
	wrapped := fmt.Errorf("sidecar %s: %w", op, err)
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return unavailable(wrapped, true)
	default:
		return unavailable(wrapped, false)
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func intField(m map[string]any, key string) int {
	f, _ := m[key].(float64)
	return int(f)
}
