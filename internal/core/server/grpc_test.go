package server

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/solatis/l7plane/internal/core/api"
	"github.com/solatis/l7plane/internal/core/config"
	"github.com/solatis/l7plane/internal/core/service"
	"github.com/solatis/l7plane/internal/status"
	"github.com/solatis/l7plane/internal/store"
	"github.com/solatis/l7plane/internal/store/memstore"
)

func newService(t *testing.T) *api.ListenerRulesService {
	t.Helper()
	s := memstore.New()
	svc, err := service.New(s, store.NewLocker(), status.NewTracker(s, zerolog.Nop()), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("service.New() error = %v", err)
	}
	rpc, err := api.NewListenerRulesService(svc)
	if err != nil {
		t.Fatalf("NewListenerRulesService() error = %v", err)
	}
	return rpc
}

func TestNewGRPCServer_NilArguments(t *testing.T) {
	cfg := &config.Default().Server
	if _, err := NewGRPCServer(nil, newService(t), zerolog.Nop()); err == nil {
		t.Error("NewGRPCServer(nil cfg) error = nil, want error")
	}
	if _, err := NewGRPCServer(cfg, nil, zerolog.Nop()); err == nil {
		t.Error("NewGRPCServer(nil service) error = nil, want error")
	}
}

func TestGRPCServer_ServeAndShutdown(t *testing.T) {
	cfg := config.Default().Server
	cfg.Host = "127.0.0.1"
	cfg.Port = 0

	srv, err := NewGRPCServer(&cfg, newService(t), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewGRPCServer() error = %v", err)
	}
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(context.Background()) }()

	conn, err := grpc.NewClient(srv.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc.NewClient() error = %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: api.ServiceName})
	if err != nil {
		t.Fatalf("health Check() error = %v", err)
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Errorf("health status = %s, want SERVING", resp.GetStatus())
	}

	if err := api.NewClient(conn).RequestRecompile(ctx, "missing"); err == nil {
		t.Error("RequestRecompile(missing) error = nil, want error")
	}

	if err := srv.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	if err := <-errCh; err != nil {
		t.Errorf("Start() returned %v after Shutdown", err)
	}
}
