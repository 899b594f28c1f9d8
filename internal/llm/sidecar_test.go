package llm

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/tutorloop/internal/domain"
)

// startSidecar serves every method with handle. Requests and replies are Structs.
func startSidecar(t *testing.T, handle func(method string, in map[string]any, send func(map[string]any) error) error) *SidecarClient {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := grpc.NewServer(grpc.UnknownServiceHandler(func(_ any, stream grpc.ServerStream) error {
		method, _ := grpc.MethodFromServerStream(stream)
		in := &structpb.Struct{}
		if err := stream.RecvMsg(in); err != nil {
			return err
		}
		send := func(m map[string]any) error {
			out, err := structpb.NewStruct(m)
			if err != nil {
				return err
			}
			return stream.SendMsg(out)
		}
		return handle(method, in.AsMap(), send)
	}))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	c, err := NewSidecarClient(SidecarConfig{Address: lis.Addr().String(), ConnectTimeout: 5 * time.Second}, nil)
	if err != nil {
		t.Fatalf("NewSidecarClient: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSidecarComplete(t *testing.T) {
	t.Parallel()

	var gotMethod string
	var gotReq map[string]any
	c := startSidecar(t, func(method string, in map[string]any, send func(map[string]any) error) error {
		gotMethod, gotReq = method, in
		return send(map[string]any{
			"text":          `{"safe": true}`,
			"model":         "fast",
			"stop_reason":   "end_turn",
			"input_tokens":  40,
			"output_tokens": 6,
		})
	})

	resp, err := c.Complete(context.Background(), Request{
		Model:     "fast",
		MaxTokens: 150,
		System:    []Block{{Text: "classify", Cacheable: true}},
		Messages:  []Message{{Role: RoleUser, Content: "hola"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != `{"safe": true}` || resp.Usage.InputTokens != 40 || resp.Usage.OutputTokens != 6 {
		t.Errorf("unexpected response %+v", resp)
	}
	if gotMethod != sidecarCompleteMethod {
		t.Errorf("method = %q, want %q", gotMethod, sidecarCompleteMethod)
	}
	if gotReq["model"] != "fast" || gotReq["stream"] != false || gotReq["max_tokens"] != float64(150) {
		t.Errorf("unexpected request %v", gotReq)
	}
	system, _ := gotReq["system"].([]any)
	if len(system) != 1 {
		t.Fatalf("system blocks = %v", gotReq["system"])
	}
	if block, _ := system[0].(map[string]any); block["cacheable"] != true {
		t.Errorf("cacheable flag lost: %v", block)
	}
}

func TestSidecarStream(t *testing.T) {
	t.Parallel()

	c := startSidecar(t, func(_ string, in map[string]any, send func(map[string]any) error) error {
		if in["stream"] != true {
			return status.Error(codes.InvalidArgument, "stream flag missing")
		}
		for _, m := range []map[string]any{
			{"text": "Muy ", "input_tokens": 120},
			{"text": "bien."},
			{"done": true, "output_tokens": 4},
		} {
			if err := send(m); err != nil {
				return err
			}
		}
		return nil
	})

	var text strings.Builder
	var final *Chunk
	for chunk, err := range c.Stream(context.Background(), Request{Model: "main"}) {
		if err != nil {
			t.Fatalf("stream error: %v", err)
		}
		if chunk.Done {
			final = chunk
			break
		}
		text.WriteString(chunk.Text)
	}
	if text.String() != "Muy bien." {
		t.Errorf("text = %q", text.String())
	}
	if final == nil || final.Usage.InputTokens != 120 || final.Usage.OutputTokens != 4 {
		t.Errorf("final chunk = %+v", final)
	}
}

func TestSidecarErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		handle    func(string, map[string]any, func(map[string]any) error) error
		transient bool
	}{
		{
			name: "unavailable status is transient",
			handle: func(string, map[string]any, func(map[string]any) error) error {
				return status.Error(codes.Unavailable, "overloaded")
			},
			transient: true,
		},
		{
			name: "invalid argument is fatal",
			handle: func(string, map[string]any, func(map[string]any) error) error {
				return status.Error(codes.InvalidArgument, "bad model")
			},
		},
		{
			name: "error field is fatal",
			handle: func(_ string, _ map[string]any, send func(map[string]any) error) error {
				return send(map[string]any{"error": "model not found"})
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := startSidecar(t, tt.handle)

			_, err := c.Complete(context.Background(), Request{Model: "m"})
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, domain.ErrProviderUnavailable) {
				t.Errorf("error %v does not wrap ErrProviderUnavailable", err)
			}
			if IsTransient(err) != tt.transient {
				t.Errorf("IsTransient = %v, want %v", IsTransient(err), tt.transient)
			}
		})
	}
}

func TestSidecarStreamEndsWithoutDone(t *testing.T) {
	t.Parallel()

	c := startSidecar(t, func(_ string, _ map[string]any, send func(map[string]any) error) error {
		return send(map[string]any{"text": "partial"})
	})

	var gotErr error
	for _, err := range c.Stream(context.Background(), Request{Model: "m"}) {
		if err != nil {
			gotErr = err
		}
	}
	if gotErr == nil || !IsTransient(gotErr) {
		t.Errorf("expected transient error, got %v", gotErr)
	}
}
