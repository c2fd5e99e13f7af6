// Package signals exposes the scheduler's signal sink over gRPC so the bot
// detection subsystem can push scores and disable commands without going
// through the operator REST API.
//
// The service is declared by hand; requests are google.protobuf.Struct
// messages:
//
//	ReportBotScore {identity: string, score: number, flags: [string]}
//	AutoDisable    {identity: string, reason: string}
package signals

import (
	"context"
	"errors"

	"admission-gateway/internal/admission"
	"admission-gateway/internal/logging"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "admission.v1.Signals"

const (
	reportBotScoreMethod = "/" + ServiceName + "/ReportBotScore"
	autoDisableMethod    = "/" + ServiceName + "/AutoDisable"
)

// SignalsServer is the server API for the Signals service.
type SignalsServer interface {
	ReportBotScore(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	AutoDisable(context.Context, *structpb.Struct) (*emptypb.Empty, error)
}

// ServiceDesc describes admission.v1.Signals for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SignalsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ReportBotScore", Handler: reportBotScoreHandler},
		{MethodName: "AutoDisable", Handler: autoDisableHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "admission/v1/signals.proto",
}

func reportBotScoreHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SignalsServer).ReportBotScore(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: reportBotScoreMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SignalsServer).ReportBotScore(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func autoDisableHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SignalsServer).AutoDisable(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: autoDisableMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SignalsServer).AutoDisable(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Service implements SignalsServer on top of an admission.SignalSink.
type Service struct {
	sink   admission.SignalSink
	logger *logging.Logger
}

func NewService(sink admission.SignalSink, logger *logging.Logger) *Service {
	return &Service{sink: sink, logger: logger}
}

var _ SignalsServer = (*Service)(nil)

// ReportBotScore implements the ReportBotScore RPC
func (s *Service) ReportBotScore(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	fields := req.GetFields()

	id := fields["identity"].GetStringValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "identity is required")
	}
	scoreValue, ok := fields["score"].GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "score must be a number")
	}

	var flags []string
	for _, v := range fields["flags"].GetListValue().GetValues() {
		flag, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, status.Error(codes.InvalidArgument, "flags must be strings")
		}
		flags = append(flags, flag.StringValue)
	}

	s.logger.DebugContext(ctx, "Bot score report", "identity", id, "score", scoreValue.NumberValue)

	if err := s.sink.ReportBotScore(ctx, id, scoreValue.NumberValue, flags); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// AutoDisable implements the AutoDisable RPC
func (s *Service) AutoDisable(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	fields := req.GetFields()

	id := fields["identity"].GetStringValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "identity is required")
	}

	if err := s.sink.AutoDisable(ctx, id, fields["reason"].GetStringValue()); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, admission.ErrInvalidIdentity), errors.Is(err, admission.ErrInvalidScore):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// Client calls the Signals service over an existing connection.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// ReportBotScore sends a score report for id.
func (c *Client) ReportBotScore(ctx context.Context, id string, score float64, flags []string) error {
	list := make([]interface{}, len(flags))
	for i, f := range flags {
		list[i] = f
	}
	req, err := structpb.NewStruct(map[string]interface{}{
		"identity": id,
		"score":    score,
		"flags":    list,
	})
	if err != nil {
		return err
	}
	return c.cc.Invoke(ctx, reportBotScoreMethod, req, new(emptypb.Empty))
}

// AutoDisable asks the gateway to blacklist id immediately.
func (c *Client) AutoDisable(ctx context.Context, id, reason string) error {
	req, err := structpb.NewStruct(map[string]interface{}{
		"identity": id,
		"reason":   reason,
	})
	if err != nil {
		return err
	}
	return c.cc.Invoke(ctx, autoDisableMethod, req, new(emptypb.Empty))
}
