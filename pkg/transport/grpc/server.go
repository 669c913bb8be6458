package grpc

import (
    "context"
    "crypto/tls"
    "net"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/health"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/keepalive"

    obsmetrics "github.com/amirimatin/go-raftgate/pkg/observability/metrics"
    "github.com/amirimatin/go-raftgate/pkg/observability/tracing"
    "github.com/amirimatin/go-raftgate/pkg/transport"
)

// Server implements transport.Server over gRPC using a JSON codec.
type Server struct {
    bind   string
    lis    net.Listener
    srv    *grpc.Server
    tlsCfg *tls.Config
}

func NewServer(bind string) *Server { return &Server{bind: bind} }

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// replyBlob carries a raw reply body through the JSON codec.
type replyBlob struct {
    Data []byte `json:"data,omitempty"`
}

// deliveryServer defines the methods we expose.
type deliveryServer interface {
    Send(ctx context.Context, in *transport.Envelope) (*replyBlob, error)
}

type deliveryImpl struct {
    dispatch transport.DispatchFunc
}

func (d *deliveryImpl) Send(ctx context.Context, in *transport.Envelope) (*replyBlob, error) {
    if in == nil {
        in = &transport.Envelope{}
    }
    ctx, end := tracing.StartSpan(ctx, "grpc.send")
    defer end()
    obsmetrics.DeliveriesTotal.WithLabelValues(in.Type).Inc()
    b, err := d.dispatch(ctx, *in)
    if err != nil {
        return nil, err
    }
    return &replyBlob{Data: b}, nil
}

// Service descriptor and handlers (hand-written, no codegen required)
var _Delivery_serviceDesc = grpc.ServiceDesc{
    ServiceName: "raftgate.v1.Delivery",
    HandlerType: (*deliveryServer)(nil),
    Methods: []grpc.MethodDesc{
        {MethodName: "Send", Handler: _Delivery_Send_Handler},
    },
}

func _Delivery_Send_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    in := new(transport.Envelope)
    if err := dec(in); err != nil {
        return nil, err
    }
    if interceptor == nil {
        return srv.(deliveryServer).Send(ctx, in)
    }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/raftgate.v1.Delivery/Send"}
    handler := func(ctx context.Context, req interface{}) (interface{}, error) {
        return srv.(deliveryServer).Send(ctx, req.(*transport.Envelope))
    }
    return interceptor(ctx, in, info, handler)
}

func (s *Server) Start(ctx context.Context, dispatch transport.DispatchFunc) error {
    lis, err := net.Listen("tcp", s.bind)
    if err != nil {
        return err
    }
    s.lis = lis
    // Force JSON codec to avoid requiring protobuf types
    var opts []grpc.ServerOption
    opts = append(opts, grpc.ForceServerCodec(jsonCodec{}))
    opts = append(opts, grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}))
    opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}))
    if s.tlsCfg != nil {
        opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg)))
    }
    srv := grpc.NewServer(opts...)
    s.srv = srv
    // Health service (always serving for now)
    healthSrv := health.NewServer()
    healthpb.RegisterHealthServer(srv, healthSrv)
    // Register delivery service
    srv.RegisterService(&_Delivery_serviceDesc, &deliveryImpl{dispatch: dispatch})

    go func() {
        <-ctx.Done()
        ch := make(chan struct{})
        go func() { srv.GracefulStop(); close(ch) }()
        select {
        case <-ch:
        case <-time.After(2 * time.Second):
            srv.Stop()
        }
    }()
    go func() { _ = srv.Serve(lis) }()
    return nil
}

func (s *Server) Addr() string {
    if s.lis != nil {
        return s.lis.Addr().String()
    }
    return s.bind
}

func (s *Server) Stop(ctx context.Context) error {
    if s.srv == nil {
        return nil
    }
    ch := make(chan struct{})
    go func() { s.srv.GracefulStop(); close(ch) }()
    select {
    case <-ch:
    case <-ctx.Done():
        s.srv.Stop()
    }
    s.srv = nil
    if s.lis != nil {
        _ = s.lis.Close()
        s.lis = nil
    }
    return nil
}

var _ transport.Server = (*Server)(nil)
