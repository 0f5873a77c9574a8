package api

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// MonitorServiceName is the fully qualified gRPC service name.
const MonitorServiceName = "saturn.monitor.v1.Monitor"

// MonitorServer is the server API of the monitor service. Responses are
// google.protobuf.Struct values carrying the same documents as the HTTP API.
type MonitorServer interface {
	GetHealth(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetEvents(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetPendingOrders(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetPortfolio(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetRestrictions(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	WatchRestrictions(*emptypb.Empty, grpc.ServerStreamingServer[structpb.Struct]) error
}

var monitorServiceDesc = grpc.ServiceDesc{
	ServiceName: MonitorServiceName,
	HandlerType: (*MonitorServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("GetHealth", MonitorServer.GetHealth),
		unaryMethod("GetEvents", MonitorServer.GetEvents),
		unaryMethod("GetPendingOrders", MonitorServer.GetPendingOrders),
		unaryMethod("GetPortfolio", MonitorServer.GetPortfolio),
		unaryMethod("GetRestrictions", MonitorServer.GetRestrictions),
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    "WatchRestrictions",
		Handler:       watchRestrictionsHandler,
		ServerStreams: true,
	}},
	Metadata: "saturn/monitor.proto",
}

func fullMethod(name string) string { return "/" + MonitorServiceName + "/" + name }

func unaryMethod(name string, call func(MonitorServer, context.Context, *emptypb.Empty) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(emptypb.Empty)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(MonitorServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(MonitorServer), ctx, req.(*emptypb.Empty))
			})
		},
	}
}

func watchRestrictionsHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(MonitorServer).WatchRestrictions(in, &grpc.GenericServerStream[emptypb.Empty, structpb.Struct]{ServerStream: stream})
}

// RegisterMonitorServer registers srv on gs.
func RegisterMonitorServer(gs grpc.ServiceRegistrar, srv MonitorServer) {
	gs.RegisterService(&monitorServiceDesc, srv)
}

// toStruct converts a JSON-encodable value to a Struct. Arrays are wrapped
// under key.
func toStruct(key string, v any) (*structpb.Struct, error) {
	if key != "" {
		v = map[string]any{key: v}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %T: %w", v, err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("converting %T: %w", v, err)
	}
	return out, nil
}

// GRPCServer serves the monitor over gRPC.
type GRPCServer struct {
	m *Monitor
}

var _ MonitorServer = (*GRPCServer)(nil)

// NewGRPCServer creates a gRPC monitor backed by m.
func NewGRPCServer(m *Monitor) *GRPCServer {
	return &GRPCServer{m: m}
}

// RegisterGRPC registers the server on the given gRPC server instance.
func (s *GRPCServer) RegisterGRPC(gs *grpc.Server) {
	RegisterMonitorServer(gs, s)
}

func (s *GRPCServer) GetHealth(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct("", s.m.Health())
}

func (s *GRPCServer) GetEvents(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	events, ok := s.m.Events()
	if !ok {
		return nil, status.Error(codes.Unavailable, "runner not available")
	}
	return toStruct("events", events)
}

func (s *GRPCServer) GetPendingOrders(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	orders, ok := s.m.PendingOrders()
	if !ok {
		return nil, status.Error(codes.Unavailable, "broker not available")
	}
	return toStruct("orders", orders)
}

func (s *GRPCServer) GetPortfolio(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	if s.m.src.Portfolio == nil {
		return nil, status.Error(codes.Unavailable, "portfolio not available")
	}
	p, ok := s.m.Portfolio()
	if !ok {
		return nil, status.Error(codes.NotFound, "portfolio has not been marked yet")
	}
	return toStruct("", p)
}

func (s *GRPCServer) GetRestrictions(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	if s.m.src.Restrictions == nil {
		return nil, status.Error(codes.Unavailable, "restrictions not available")
	}
	return toStruct("restrictions", s.m.src.Restrictions.Snapshot())
}

// WatchRestrictions sends a snapshot of all restrictions, then every change
// as it happens. The stream ends when the client disconnects.
func (s *GRPCServer) WatchRestrictions(_ *emptypb.Empty, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	if s.m.src.Restrictions == nil {
		return status.Error(codes.Unavailable, "restrictions not available")
	}
	subID, ch := s.m.src.Restrictions.Subscribe(256)
	defer s.m.src.Restrictions.Unsubscribe(subID)

	s.m.log.Info("grpc client subscribed", "subID", subID)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			s.m.log.Info("grpc client disconnected", "subID", subID)
			return nil
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			msg, err := toStruct("", evt)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

// MonitorClient calls the monitor service.
type MonitorClient struct {
	cc grpc.ClientConnInterface
}

// NewMonitorClient creates a client over cc.
func NewMonitorClient(cc grpc.ClientConnInterface) *MonitorClient {
	return &MonitorClient{cc: cc}
}

func (c *MonitorClient) invoke(ctx context.Context, name string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(name), &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *MonitorClient) GetHealth(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetHealth", opts...)
}

func (c *MonitorClient) GetEvents(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetEvents", opts...)
}

func (c *MonitorClient) GetPendingOrders(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetPendingOrders", opts...)
}

func (c *MonitorClient) GetPortfolio(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetPortfolio", opts...)
}

func (c *MonitorClient) GetRestrictions(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetRestrictions", opts...)
}

// WatchRestrictions opens the restriction change stream.
func (c *MonitorClient) WatchRestrictions(ctx context.Context, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &monitorServiceDesc.Streams[0], fullMethod("WatchRestrictions"), opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[emptypb.Empty, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
