// Package api exposes the control-plane service over gRPC as
// l7plane.v1.ListenerRules.
package api

import (
	"context"
	"fmt"

	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/solatis/l7plane/internal/core/service"
	"github.com/solatis/l7plane/internal/types"
)

// ListenerRulesService implements ListenerRulesServer.
// Thin transport layer: bodies are decoded here, everything else is
// delegated to the service package. Domain errors are mapped to gRPC
// status codes by ErrorInterceptor.
type ListenerRulesService struct {
	svc *service.Service
}

// NewListenerRulesService creates the transport for svc.
func NewListenerRulesService(svc *service.Service) (*ListenerRulesService, error) {
	if svc == nil {
		return nil, fmt.Errorf("service cannot be nil")
	}
	return &ListenerRulesService{svc: svc}, nil
}

func (s *ListenerRulesService) CreateEntity(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	e, err := entityFromCreate(req)
	if err != nil {
		return nil, err
	}
	created, err := s.svc.Create(ctx, e)
	if err != nil {
		return nil, err
	}
	return entityBody(created)
}

func (s *ListenerRulesService) UpdateEntity(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	kind, id, mutate, err := updateFromBody(req)
	if err != nil {
		return nil, err
	}
	updated, err := s.svc.Update(ctx, kind, id, mutate)
	if err != nil {
		return nil, err
	}
	return entityBody(updated)
}

func (s *ListenerRulesService) DeleteEntity(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	ref, err := refFromBody(req)
	if err != nil {
		return nil, err
	}
	if err := s.svc.Delete(ctx, ref.Kind, ref.ID); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

func (s *ListenerRulesService) GetEntity(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ref, err := refFromBody(req)
	if err != nil {
		return nil, err
	}
	e, err := s.svc.Get(ctx, ref.Kind, ref.ID)
	if err != nil {
		return nil, err
	}
	return entityBody(e)
}

func (s *ListenerRulesService) ListEntities(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	kind, filter, err := listFromBody(req)
	if err != nil {
		return nil, err
	}
	es, err := s.svc.List(ctx, kind, filter)
	if err != nil {
		return nil, err
	}
	return entityListBody(kind, es)
}

func (s *ListenerRulesService) CreateListener(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	l, err := listenerFromBody(req)
	if err != nil {
		return nil, err
	}
	created, err := s.svc.CreateListener(ctx, l)
	if err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"listener": created})
}

func (s *ListenerRulesService) DeleteListener(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := s.svc.DeleteListener(ctx, types.ListenerID(req.GetValue())); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

func (s *ListenerRulesService) RequestRecompile(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := s.svc.RequestRecompile(ctx, types.ListenerID(req.GetValue())); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

func (s *ListenerRulesService) GetPlanStatus(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	ps, err := s.svc.GetPlanStatus(ctx, types.ListenerID(req.GetValue()))
	if err != nil {
		return nil, err
	}
	return toStruct(ps)
}
