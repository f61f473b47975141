package streamfunk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/peer"

	"github.com/lab5e/meshfunk/pkg/funk/metrics"
	"github.com/lab5e/meshfunk/pkg/toolbox"
)

// The mesh service has a single bidirectional streaming method. Messages
// are raw frames so the service is described by hand instead of through
// generated code.
const (
	meshServiceName   = "meshfunk.Mesh"
	meshConnectMethod = "/meshfunk.Mesh/Connect"
	frameCodecName    = "meshframe"
)

// rawFrame is the message type for the mesh service. Servers can't
// half-close a stream so an empty frame from the server marks the end of
// its half.
type rawFrame struct {
	data []byte
}

// frameCodec passes frames through unchanged
type frameCodec struct{}

func (frameCodec) Marshal(v interface{}) ([]byte, error) {
	f, ok := v.(*rawFrame)
	if !ok {
		return nil, fmt.Errorf("meshframe: can't marshal %T", v)
	}
	return f.data, nil
}

func (frameCodec) Unmarshal(data []byte, v interface{}) error {
	f, ok := v.(*rawFrame)
	if !ok {
		return fmt.Errorf("meshframe: can't unmarshal into %T", v)
	}
	// The buffer is reused by gRPC
	f.data = append([]byte(nil), data...)
	return nil
}

func (frameCodec) Name() string {
	return frameCodecName
}

func init() {
	encoding.RegisterCodec(frameCodec{})
}

type meshServer interface {
	connect(stream grpc.ServerStream) error
}

func connectHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(meshServer).connect(stream)
}

var meshServiceDesc = grpc.ServiceDesc{
	ServiceName: meshServiceName,
	HandlerType: (*meshServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "meshfunk",
}

type grpcTransport struct {
	params toolbox.GRPCParam
	sink   metrics.Sink
	mutex  sync.Mutex
	server *grpc.Server
}

// NewGRPCTransport creates a transport using gRPC bidirectional streams
func NewGRPCTransport(params toolbox.GRPCParam, sink metrics.Sink) Transport {
	if sink == nil {
		sink = metrics.NewBlackHoleSink()
	}
	return &grpcTransport{params: params, sink: sink}
}

func (g *grpcTransport) Dial(ctx context.Context, address string) (Stream, error) {
	opts, err := toolbox.GetGRPCDialOpts(g.params)
	if err != nil {
		return nil, err
	}
	opts = append(opts, grpc.WithBlock(), grpc.WithReturnConnectionError())
	conn, err := grpc.DialContext(ctx, address, opts...)
	if err != nil {
		return nil, err
	}
	// The stream lives until it is closed, not until the dial context
	// expires.
	streamCtx, cancel := context.WithCancel(context.Background())
	cs, err := conn.NewStream(streamCtx, &meshServiceDesc.Streams[0], meshConnectMethod, grpc.CallContentSubtype(frameCodecName))
	if err != nil {
		cancel()
		conn.Close()
		return nil, err
	}
	return &grpcClientStream{cs: cs, conn: conn, cancel: cancel, remote: address}, nil
}

func (g *grpcTransport) Listen(endpoint string, accept AcceptFunc) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	if g.server != nil {
		return errors.New("transport is already listening")
	}
	opts, err := toolbox.GetGRPCServerOpts(g.params)
	if err != nil {
		return err
	}
	listener, err := net.Listen("tcp", endpoint)
	if err != nil {
		return err
	}
	opts = append(opts, grpc.StreamInterceptor(streamMetricsInterceptor(g.sink)))
	g.server = grpc.NewServer(opts...)
	g.server.RegisterService(&meshServiceDesc, &grpcAcceptor{accept: accept})
	go func(srv *grpc.Server) {
		if err := srv.Serve(listener); err != nil {
			log.WithError(err).WithField("endpoint", endpoint).Warning("gRPC server stopped")
		}
	}(g.server)
	return nil
}

func (g *grpcTransport) Close() error {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	if g.server != nil {
		g.server.Stop()
		g.server = nil
	}
	return nil
}

// streamMetricsInterceptor counts streams per remote address
func streamMetricsInterceptor(m metrics.Sink) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		remote := "unknown"
		if p, ok := peer.FromContext(ss.Context()); ok && p.Addr != nil {
			remote = p.Addr.String()
		}
		m.LogRequest(remote, info.FullMethod)
		return handler(srv, ss)
	}
}

type grpcAcceptor struct {
	accept AcceptFunc
}

// connect runs the accept function for the stream. The RPC completes when
// the accept function returns since the server stream can't be used after
// that.
func (g *grpcAcceptor) connect(ss grpc.ServerStream) error {
	s := &grpcServerStream{ss: ss, finish: make(chan struct{})}
	done := make(chan struct{})
	go func() {
		defer close(done)
		g.accept(s)
	}()
	<-done
	return nil
}

type grpcServerStream struct {
	ss     grpc.ServerStream
	finish chan struct{}
	once   sync.Once
}

func (s *grpcServerStream) Send(data []byte) error {
	select {
	case <-s.finish:
		return ErrClosed
	default:
	}
	return s.ss.SendMsg(&rawFrame{data: data})
}

func (s *grpcServerStream) Recv() ([]byte, error) {
	f := &rawFrame{}
	if err := s.ss.RecvMsg(f); err != nil {
		return nil, err
	}
	return f.data, nil
}

// CloseSend sends the end of stream marker. The client completes its half
// when it sees the marker and the accept function returns once Recv gets
// io.EOF.
func (s *grpcServerStream) CloseSend() error {
	var err error
	s.once.Do(func() {
		close(s.finish)
		err = s.ss.SendMsg(&rawFrame{})
	})
	return err
}

// Close stops further writes. Reads end when the client goes away or
// completes its half.
func (s *grpcServerStream) Close() error {
	s.once.Do(func() { close(s.finish) })
	return nil
}

func (s *grpcServerStream) RemoteAddr() string {
	if p, ok := peer.FromContext(s.ss.Context()); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return ""
}

type grpcClientStream struct {
	cs     grpc.ClientStream
	conn   *grpc.ClientConn
	cancel context.CancelFunc
	remote string
	once   sync.Once
}

func (c *grpcClientStream) Send(data []byte) error {
	return c.cs.SendMsg(&rawFrame{data: data})
}

func (c *grpcClientStream) Recv() ([]byte, error) {
	f := &rawFrame{}
	if err := c.cs.RecvMsg(f); err != nil {
		return nil, err
	}
	if len(f.data) == 0 {
		return nil, io.EOF
	}
	return f.data, nil
}

func (c *grpcClientStream) CloseSend() error {
	return c.cs.CloseSend()
}

func (c *grpcClientStream) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		err = c.conn.Close()
	})
	return err
}

func (c *grpcClientStream) RemoteAddr() string {
	return c.remote
}
