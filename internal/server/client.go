package server

import (
	"context"
	"fmt"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/triage-ai/palisade/services/tool_rpc/internal/registry"
	"github.com/triage-ai/palisade/services/tool_rpc/internal/tool"
)

// Client is a thin typed wrapper over toolrpc.v1.ToolService.
type Client struct {
	conn grpc.ClientConnInterface
	own  *grpc.ClientConn
}

// Dial connects to a tool server at target without transport security.
func Dial(target string) (*Client, error) {
	conn, err := grpc.NewClient(
		target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("Dial: %w", err)
	}
	return &Client{conn: conn, own: conn}, nil
}

// NewClient wraps an existing connection. Close does not close it.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) Close() error {
	if c.own == nil {
		return nil
	}
	return c.own.Close()
}

// ServerInfo is the Initialize reply.
type ServerInfo struct {
	ProtocolVersion string
	Name            string
	Version         string
	Capabilities    map[string]bool
}

// InvokeRequest is one tool call. Credentials travel as call metadata.
type InvokeRequest struct {
	ToolName  string
	Arguments map[string]any
	RequestID string
	Context   map[string]string
}

// InvokeResponse carries either Result or Err.
type InvokeResponse struct {
	RequestID     string
	Success       bool
	Result        *tool.Result
	Err           *tool.Error
	ExecutionTime time.Duration
}

// StreamEvent is one InvokeStream message.
type StreamEvent struct {
	Sequence int
	tool.Event
}

func (c *Client) Initialize(ctx context.Context, protocolVersion string, opts ...grpc.CallOption) (*ServerInfo, error) {
	in, err := toStruct(map[string]any{"protocol_version": protocolVersion})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodInitialize, in, out, opts...); err != nil {
		return nil, err
	}

	m := out.AsMap()
	server := mapField(m, "server")
	info := &ServerInfo{
		ProtocolVersion: stringField(m, "protocol_version"),
		Name:            stringField(server, "name"),
		Version:         stringField(server, "version"),
		Capabilities:    make(map[string]bool),
	}
	for k, v := range mapField(m, "capabilities") {
		b, _ := v.(bool)
		info.Capabilities[k] = b
	}
	return info, nil
}

// ListTools returns the raw tool descriptions, one map per tool.
func (c *Client) ListTools(ctx context.Context, f registry.Filter, opts ...grpc.CallOption) ([]map[string]any, error) {
	filter := map[string]any{}
	if f.Query != "" {
		filter["query"] = f.Query
	}
	if len(f.Kinds) > 0 {
		kinds := make([]any, len(f.Kinds))
		for i, k := range f.Kinds {
			kinds[i] = string(k)
		}
		filter["kinds"] = kinds
	}
	in, err := toStruct(map[string]any{"filter": filter})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodListTools, in, out, opts...); err != nil {
		return nil, err
	}

	raw, _ := out.AsMap()["tools"].([]any)
	tools := make([]map[string]any, 0, len(raw))
	for _, t := range raw {
		if m, ok := t.(map[string]any); ok {
			tools = append(tools, m)
		}
	}
	return tools, nil
}

func (c *Client) Invoke(ctx context.Context, req InvokeRequest, opts ...grpc.CallOption) (*InvokeResponse, error) {
	in, err := toStruct(invokeMessage(req))
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodInvoke, in, out, opts...); err != nil {
		return nil, err
	}

	m := out.AsMap()
	resp := &InvokeResponse{
		RequestID: stringField(m, "request_id"),
		Err:       decodeError(mapField(m, "error")),
	}
	resp.Success, _ = m["success"].(bool)
	if ms, ok := m["execution_time_ms"].(float64); ok {
		resp.ExecutionTime = time.Duration(ms * float64(time.Millisecond))
	}
	if resp.Result, err = decodeResult(mapField(m, "result")); err != nil {
		return nil, fmt.Errorf("Invoke: %w", err)
	}
	return resp, nil
}

// EventStream reads InvokeStream messages in order.
type EventStream struct {
	stream grpc.ClientStream
}

// Recv returns the next event, or io.EOF after the terminal one.
func (s *EventStream) Recv() (StreamEvent, error) {
	out := new(structpb.Struct)
	if err := s.stream.RecvMsg(out); err != nil {
		return StreamEvent{}, err
	}
	return decodeEvent(out.AsMap())
}

// Collect reads the stream until it ends.
func (s *EventStream) Collect() ([]StreamEvent, error) {
	var events []StreamEvent
	for {
		ev, err := s.Recv()
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}

// InvokeStream starts a streaming call. Cancel ctx to abandon it.
func (c *Client) InvokeStream(ctx context.Context, req InvokeRequest, opts ...grpc.CallOption) (*EventStream, error) {
	in, err := toStruct(invokeMessage(req))
	if err != nil {
		return nil, err
	}
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], methodInvokeStream, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &EventStream{stream: stream}, nil
}

func invokeMessage(req InvokeRequest) map[string]any {
	m := map[string]any{"tool_name": req.ToolName}
	if req.Arguments != nil {
		m["arguments"] = req.Arguments
	}
	if req.RequestID != "" {
		m["request_id"] = req.RequestID
	}
	if len(req.Context) > 0 {
		m["context"] = req.Context
	}
	return m
}
