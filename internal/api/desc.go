package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "imcore.v1.Control"

// Method names.
const (
	MethodStatus            = "Status"
	MethodListConversations = "ListConversations"
	MethodListMessages      = "ListMessages"
	MethodOpen              = "Open"
	MethodClose             = "Close"
	MethodLoadMore          = "LoadMore"
	MethodSend              = "Send"
	MethodRetry             = "Retry"
	MethodMarkRead          = "MarkRead"
	MethodReconnect         = "Reconnect"
	MethodSetVisibility     = "SetVisibility"
	MethodSetDraft          = "SetDraft"
	MethodSearch            = "Search"
	MethodSearchUsers       = "SearchUsers"
	MethodWatch             = "Watch"
)

// FullMethod returns the gRPC path of a method.
func FullMethod(name string) string { return "/" + ServiceName + "/" + name }

// ServiceDesc describes the control service. Every message on the wire is a
// google.protobuf.Struct holding the JSON form of the request and response
// types in this package.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodStatus, (*Service).Status),
		unary(MethodListConversations, (*Service).ListConversations),
		unary(MethodListMessages, (*Service).ListMessages),
		unary(MethodOpen, (*Service).Open),
		unary(MethodClose, (*Service).Close),
		unary(MethodLoadMore, (*Service).LoadMore),
		unary(MethodSend, (*Service).Send),
		unary(MethodRetry, (*Service).Retry),
		unary(MethodMarkRead, (*Service).MarkRead),
		unary(MethodReconnect, (*Service).Reconnect),
		unary(MethodSetVisibility, (*Service).SetVisibility),
		unary(MethodSetDraft, (*Service).SetDraft),
		unary(MethodSearch, (*Service).Search),
		unary(MethodSearchUsers, (*Service).SearchUsers),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatch,
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(structpb.Struct)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				var req WatchRequest
				if err := decode(in, &req); err != nil {
					return status.Errorf(codes.InvalidArgument, "decode request: %v", err)
				}
				return srv.(*Service).Watch(req, stream)
			},
		},
	},
	Metadata: "imcore/v1/control",
}

// Register adds the control service to a gRPC server.
func Register(srv *grpc.Server, svc *Service) {
	srv.RegisterService(&ServiceDesc, svc)
}

func unary[Req any, Resp any](name string, fn func(*Service, context.Context, Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, icpt grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			call := func(ctx context.Context, raw any) (any, error) {
				var req Req
				if err := decode(raw.(*structpb.Struct), &req); err != nil {
					return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
				}
				s := srv.(*Service)
				if err := s.validate(&req); err != nil {
					return nil, err
				}
				resp, err := fn(s, ctx, req)
				if err != nil {
					return nil, toStatus(err)
				}
				return encode(resp)
			}
			if icpt == nil {
				return call(ctx, in)
			}
			return icpt(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}, call)
		},
	}
}

// LoggingInterceptor logs every control call with its duration and code.
func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.Duration("took", time.Since(start)),
			zap.String("code", code.String()),
		}
		switch code {
		case codes.OK:
			logger.Debug("control call", fields...)
		case codes.Internal, codes.Unknown:
			logger.Error("control call failed", append(fields, zap.Error(err))...)
		default:
			logger.Info("control call rejected", append(fields, zap.Error(err))...)
		}
		return resp, err
	}
}

func encode(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return structpb.NewStruct(m)
}

func decode(in *structpb.Struct, v any) error {
	if in == nil {
		return nil
	}
	b, err := protojson.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
