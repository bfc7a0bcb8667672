package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "l7plane.v1.ListenerRules"

// ListenerRulesServer is the server API for l7plane.v1.ListenerRules.
//
// Entity bodies are neutron-style JSON objects keyed by kind
// ({"acl": {...}}), carried as google.protobuf.Struct.
type ListenerRulesServer interface {
	CreateEntity(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateEntity(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteEntity(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	GetEntity(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListEntities(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateListener(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteListener(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	RequestRecompile(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	GetPlanStatus(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
}

// ListenerRulesServiceDesc describes l7plane.v1.ListenerRules for grpc.Server.
var ListenerRulesServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ListenerRulesServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("CreateEntity", ListenerRulesServer.CreateEntity),
		unary("UpdateEntity", ListenerRulesServer.UpdateEntity),
		unary("DeleteEntity", ListenerRulesServer.DeleteEntity),
		unary("GetEntity", ListenerRulesServer.GetEntity),
		unary("ListEntities", ListenerRulesServer.ListEntities),
		unary("CreateListener", ListenerRulesServer.CreateListener),
		unary("DeleteListener", ListenerRulesServer.DeleteListener),
		unary("RequestRecompile", ListenerRulesServer.RequestRecompile),
		unary("GetPlanStatus", ListenerRulesServer.GetPlanStatus),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "l7plane/v1/listener_rules.proto",
}

// RegisterListenerRulesServer registers srv on s.
func RegisterListenerRulesServer(s grpc.ServiceRegistrar, srv ListenerRulesServer) {
	s.RegisterService(&ListenerRulesServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary[Req, Resp any](name string, call func(ListenerRulesServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(ListenerRulesServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*Req))
			})
		},
	}
}

// Client calls l7plane.v1.ListenerRules.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) CreateEntity(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("CreateEntity"), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) UpdateEntity(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("UpdateEntity"), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) DeleteEntity(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, fullMethod("DeleteEntity"), in, new(emptypb.Empty), opts...)
}

func (c *Client) GetEntity(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("GetEntity"), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListEntities(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("ListEntities"), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateListener(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("CreateListener"), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) DeleteListener(ctx context.Context, listener string, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, fullMethod("DeleteListener"), wrapperspb.String(listener), new(emptypb.Empty), opts...)
}

func (c *Client) RequestRecompile(ctx context.Context, listener string, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, fullMethod("RequestRecompile"), wrapperspb.String(listener), new(emptypb.Empty), opts...)
}

func (c *Client) GetPlanStatus(ctx context.Context, listener string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("GetPlanStatus"), wrapperspb.String(listener), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
