package server

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/triage-ai/palisade/services/tool_rpc/internal/auth"
	"github.com/triage-ai/palisade/services/tool_rpc/internal/dispatch"
	"github.com/triage-ai/palisade/services/tool_rpc/internal/registry"
	"github.com/triage-ai/palisade/services/tool_rpc/internal/tool"
)

// ProtocolVersion is the wire protocol spoken by this server. Clients must
// send a 1.x version to Initialize.
const ProtocolVersion = "1.0"

// Info is reported to clients by Initialize.
type Info struct {
	Name        string
	Version     string
	AuthEnabled bool
}

// Server implements ToolServiceServer on top of a Dispatcher. Tool failures
// travel in-band; gRPC status codes are reserved for malformed requests.
type Server struct {
	dispatcher *dispatch.Dispatcher
	info       Info
	logger     *zap.Logger
}

func NewServer(d *dispatch.Dispatcher, info Info, logger *zap.Logger) *Server {
	return &Server{dispatcher: d, info: info, logger: logger}
}

// Register attaches the service to gs.
func (s *Server) Register(gs *grpc.Server) {
	RegisterToolServiceServer(gs, s)
}

func (s *Server) Initialize(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	version := stringField(fields(req), "protocol_version")
	if version == "" {
		return nil, status.Error(codes.InvalidArgument, "protocol_version is required")
	}
	if version != "1" && !strings.HasPrefix(version, "1.") {
		return nil, status.Errorf(codes.FailedPrecondition, "unsupported protocol version %q, server speaks %s", version, ProtocolVersion)
	}

	return toStruct(map[string]any{
		"protocol_version": ProtocolVersion,
		"server": map[string]any{
			"name":    s.info.Name,
			"version": s.info.Version,
		},
		"capabilities": map[string]any{
			"tools":         true,
			"streaming":     true,
			"auth":          s.info.AuthEnabled,
			"rate_limiting": true,
		},
	})
}

func (s *Server) ListTools(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	filter, err := parseFilter(mapField(fields(req), "filter"))
	if err != nil {
		return nil, err
	}

	defs := s.dispatcher.ListTools(filter)
	tools := make([]any, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, encodeDefinition(def))
	}
	return toStruct(map[string]any{"tools": tools, "count": len(tools)})
}

func parseFilter(m map[string]any) (registry.Filter, error) {
	var f registry.Filter
	if m == nil {
		return f, nil
	}
	f.Query = stringField(m, "query")
	kinds, _ := m["kinds"].([]any)
	for _, k := range kinds {
		kind := registry.Kind(stringOf(k))
		switch kind {
		case registry.KindBlocking, registry.KindAsync, registry.KindStreaming:
			f.Kinds = append(f.Kinds, kind)
		default:
			return f, status.Errorf(codes.InvalidArgument, "unknown tool kind %q", k)
		}
	}
	return f, nil
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

func (s *Server) Invoke(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	dreq, err := s.request(ctx, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := s.dispatcher.Invoke(ctx, dreq)
	elapsed := time.Since(start)

	out := map[string]any{
		"request_id":        dreq.RequestID,
		"success":           err == nil,
		"execution_time_ms": float64(elapsed.Microseconds()) / 1000,
	}
	if err != nil {
		terr, ok := tool.AsError(err)
		if !ok {
			terr = tool.ExecutionFailed("", nil)
		}
		out["error"] = encodeError(terr)
	} else {
		out["result"] = encodeResult(res)
	}
	return toStruct(out)
}

func (s *Server) InvokeStream(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ctx := stream.Context()
	dreq, err := s.request(ctx, req)
	if err != nil {
		return err
	}

	sess := s.dispatcher.InvokeStream(ctx, dreq)
	seq := 0
	for ev := range sess.All() {
		seq++
		msg, err := toStruct(encodeEvent(seq, ev))
		if err != nil {
			sess.Cancel()
			return status.Errorf(codes.Internal, "encode event: %v", err)
		}
		if err := stream.Send(msg); err != nil {
			s.logger.Debug("stream send failed, cancelling session",
				zap.String("session_id", sess.ID),
				zap.String("request_id", dreq.RequestID),
				zap.Error(err),
			)
			sess.Cancel()
			return err
		}
	}
	return nil
}

// request builds a dispatcher request from an Invoke message and the
// incoming call metadata.
func (s *Server) request(ctx context.Context, req *structpb.Struct) (dispatch.Request, error) {
	m := fields(req)
	name := stringField(m, "tool_name")
	if name == "" {
		return dispatch.Request{}, status.Error(codes.InvalidArgument, "tool_name is required")
	}
	if raw, ok := m["arguments"]; ok && raw != nil {
		if _, isMap := raw.(map[string]any); !isMap {
			return dispatch.Request{}, status.Error(codes.InvalidArgument, "arguments must be an object")
		}
	}

	// ErrNoCredentials still carries the peer address.
	creds, _ := auth.CredentialsFromContext(ctx)

	requestID := stringField(m, "request_id")
	if requestID == "" {
		requestID = uuid.NewString()
	}

	return dispatch.Request{
		ToolName:    name,
		Arguments:   mapField(m, "arguments"),
		Credentials: creds,
		RequestID:   requestID,
		Metadata:    stringMap(mapField(m, "context")),
	}, nil
}
