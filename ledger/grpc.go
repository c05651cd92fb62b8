package ledger

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/cometbft/cometbft/libs/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName = "autonomy.ledger.v1.Ledger"
	queryMethod = "/" + serviceName + "/Query"
)

// LedgerServer is the server side of the ledger gRPC service. Requests and
// responses are structpb.Struct so the body stays an opaque mapping.
type LedgerServer interface {
	Query(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Query", Handler: queryHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "autonomy/ledger/v1/ledger.proto",
}

func queryHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServer).Query(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: queryMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LedgerServer).Query(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Server exposes an API over gRPC.
type Server struct {
	mu sync.Mutex

	api      API
	address  string
	server   *grpc.Server
	listener net.Listener
	logger   log.Logger
}

// NewServer creates a ledger gRPC server.
func NewServer(api API, address string, logger log.Logger) *Server {
	return &Server{
		api:     api,
		address: address,
		logger:  logger.With("module", "ledger-grpc"),
	}
}

// Register attaches the service to an existing grpc.Server.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

// Query implements LedgerServer.
func (s *Server) Query(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := requestFromStruct(in)
	resp, err := s.api.Query(ctx, req)
	if err != nil {
		resp = ErrorResponse(req.LedgerID, err)
	}
	return responseToStruct(resp)
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}
	return s.Serve(listener)
}

// Serve serves on listener in the background.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.server = grpc.NewServer()
	s.Register(s.server)
	gs := s.server
	s.mu.Unlock()

	go func() {
		if err := gs.Serve(listener); err != nil {
			s.logger.Error("ledger server stopped", "err", err)
		}
	}()

	s.logger.Info("ledger server started", "addr", listener.Addr().String())
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		s.server.GracefulStop()
		s.server = nil
	}
}

// GRPCClient is an API backed by a remote ledger server.
type GRPCClient struct {
	conn   grpc.ClientConnInterface
	closer func() error
}

// NewGRPCClient wraps an existing connection.
func NewGRPCClient(conn grpc.ClientConnInterface) *GRPCClient {
	return &GRPCClient{conn: conn}
}

// Dial connects to a ledger server.
func Dial(address string, opts ...grpc.DialOption) (*GRPCClient, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ledger at %s: %w", address, err)
	}
	return &GRPCClient{conn: conn, closer: conn.Close}, nil
}

// Query implements API.
func (c *GRPCClient) Query(ctx context.Context, req Request) (Response, error) {
	in, err := requestToStruct(req)
	if err != nil {
		return Response{}, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, queryMethod, in, out); err != nil {
		return Response{}, fmt.Errorf("ledger query failed: %w", err)
	}
	return responseFromStruct(out), nil
}

// Close closes a connection opened by Dial.
func (c *GRPCClient) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

// ================================================================================
//                          structpb conversion
// ================================================================================

func requestToStruct(req Request) (*structpb.Struct, error) {
	kwargs := req.Kwargs
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	s, err := structpb.NewStruct(map[string]any{
		"performative": string(req.Performative),
		"ledger_id":    req.LedgerID,
		"callable":     req.Callable,
		"kwargs":       kwargs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode ledger request: %w", err)
	}
	return s, nil
}

func requestFromStruct(s *structpb.Struct) Request {
	m := s.AsMap()
	req := Request{
		Performative: Performative(stringField(m, "performative")),
		LedgerID:     stringField(m, "ledger_id"),
		Callable:     stringField(m, "callable"),
	}
	req.Kwargs, _ = m["kwargs"].(map[string]any)
	return req
}

func responseToStruct(resp Response) (*structpb.Struct, error) {
	body := resp.Body
	if body == nil {
		body = map[string]any{}
	}
	s, err := structpb.NewStruct(map[string]any{
		"performative": string(resp.Performative),
		"ledger_id":    resp.LedgerID,
		"body":         body,
		"message":      resp.Message,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode ledger response: %w", err)
	}
	return s, nil
}

func responseFromStruct(s *structpb.Struct) Response {
	m := s.AsMap()
	resp := Response{
		Performative: Performative(stringField(m, "performative")),
		LedgerID:     stringField(m, "ledger_id"),
		Message:      stringField(m, "message"),
	}
	resp.Body, _ = m["body"].(map[string]any)
	return resp
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}
