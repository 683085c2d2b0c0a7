package main

import (
	"context"
	"encoding/json"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/akhenakh/farmit-overlay/catalog"
	"github.com/akhenakh/farmit-overlay/overlay"
	"github.com/akhenakh/farmit-overlay/raster"
)

// OverlayServiceName is the gRPC service name, also used for health.
const OverlayServiceName = "farmit.overlay.v1.OverlayService"

// OverlayServiceServer is the gRPC overlay API. Requests and responses are
// google.protobuf.Struct values shaped like the REST JSON bodies.
type OverlayServiceServer interface {
	Select(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Clear(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ValueAt(context.Context, *structpb.Struct) (*structpb.Struct, error)
	State(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type overlayMethod func(OverlayServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, call overlayMethod) grpc.MethodDesc {
	fullMethod := "/" + OverlayServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(OverlayServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(OverlayServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var overlayServiceDesc = grpc.ServiceDesc{
	ServiceName: OverlayServiceName,
	HandlerType: (*OverlayServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("Select", OverlayServiceServer.Select),
		unaryHandler("Clear", OverlayServiceServer.Clear),
		unaryHandler("ValueAt", OverlayServiceServer.ValueAt),
		unaryHandler("State", OverlayServiceServer.State),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "farmit/overlay/v1/overlay.proto",
}

func RegisterOverlayServiceServer(s grpc.ServiceRegistrar, srv OverlayServiceServer) {
	s.RegisterService(&overlayServiceDesc, srv)
}

type Server struct {
	app          *App
	healthServer *health.Server
}

// Select loads a raster by name, or by zone and stage, and waits for it to
// be placed.
func (s *Server) Select(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sel, err := selectionFromStruct(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	entry, err := sel.resolve(s.app.catalog)
	if err != nil {
		return nil, grpcError(err)
	}

	ch := s.app.slot.Select(ctx, entry)
	select {
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	case o := <-ch:
		if o.Err != nil {
			return nil, grpcError(o.Err)
		}
	}
	return toStruct(s.app.slot.State())
}

func (s *Server) Clear(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	s.app.slot.Clear()
	return toStruct(s.app.slot.State())
}

func (s *Server) ValueAt(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	lat, okLat := req.GetFields()["lat"].GetKind().(*structpb.Value_NumberValue)
	lon, okLon := req.GetFields()["lon"].GetKind().(*structpb.Value_NumberValue)
	if !okLat || !okLon {
		return nil, status.Error(codes.InvalidArgument, "lat and lon are required numbers")
	}
	v, err := s.app.slot.ValueAt(lat.NumberValue, lon.NumberValue)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(valueResponse(lat.NumberValue, lon.NumberValue, v))
}

func (s *Server) State(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return toStruct(s.app.slot.State())
}

func selectionFromStruct(req *structpb.Struct) (selection, error) {
	data, err := protojson.Marshal(req)
	if err != nil {
		return selection{}, err
	}
	var sel selection
	if err := json.Unmarshal(data, &sel); err != nil {
		return selection{}, err
	}
	return sel, nil
}

// toStruct converts a JSON encodable value.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return out, nil
}

func grpcError(err error) error {
	var nf *catalog.NotFoundError
	switch {
	case errors.As(err, &nf), errors.Is(err, raster.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, catalog.ErrInvalidStage), errors.Is(err, errNoSelection):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, overlay.ErrNoDataset):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, overlay.ErrSuperseded):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, raster.ErrLoad):
		return status.Error(codes.Unavailable, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
