package fixture

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/solatis/l7plane/internal/core/api"
	"github.com/solatis/l7plane/internal/core/service"
	"github.com/solatis/l7plane/internal/types"
)

// ServiceTarget creates through an in-process service.
func ServiceTarget(svc *service.Service) Target {
	return serviceTarget{svc: svc}
}

type serviceTarget struct {
	svc *service.Service
}

func (t serviceTarget) CreateListener(ctx context.Context, l *types.Listener) error {
	_, err := t.svc.CreateListener(ctx, l)
	return err
}

func (t serviceTarget) CreateEntity(ctx context.Context, e types.Entity) error {
	_, err := t.svc.Create(ctx, e)
	return err
}

// ClientTarget creates through a running server.
func ClientTarget(c *api.Client) Target {
	return clientTarget{client: c}
}

type clientTarget struct {
	client *api.Client
}

func (t clientTarget) CreateListener(ctx context.Context, l *types.Listener) error {
	body, err := api.ListenerBody(l)
	if err != nil {
		return err
	}
	_, err = t.client.CreateListener(ctx, body)
	if status.Code(err) == codes.AlreadyExists {
		return types.ErrListenerExists
	}
	return err
}

func (t clientTarget) CreateEntity(ctx context.Context, e types.Entity) error {
	body, err := api.CreateBody(e)
	if err != nil {
		return err
	}
	_, err = t.client.CreateEntity(ctx, body)
	return err
}
