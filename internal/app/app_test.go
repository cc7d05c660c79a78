package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

func testConfig(t *testing.T) Config {
	t.Helper()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	}))
	t.Cleanup(backend.Close)

	cfg := DefaultConfig()
	cfg.HTTPAddr = fmt.Sprintf("127.0.0.1:%d", findFreePort(t))
	cfg.MetricsAddr = fmt.Sprintf("127.0.0.1:%d", findFreePort(t))
	cfg.APIBaseURL = backend.URL
	cfg.StorageDriver = StorageDriverMemory
	return cfg
}

func TestRun_MemoryGracefulShutdown(t *testing.T) {
	cfg := testConfig(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, cfg) }()

	waitForServer(t, "http://"+cfg.HTTPAddr+"/api/v1/cart")

	resp, err := http.Get("http://" + cfg.HTTPAddr + "/api/v1/cart")
	if err != nil {
		t.Fatalf("GET /api/v1/cart failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from cart endpoint, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Session-ID") == "" {
		t.Fatal("expected session id header")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestRun_InvalidStorageDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.StorageDriver = "invalid-driver"

	err := Run(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "unsupported storage driver") {
		t.Fatalf("expected unsupported storage driver error, got %v", err)
	}
}

func TestRun_HTTPAddrInUse(t *testing.T) {
	cfg := testConfig(t)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer listener.Close()
	cfg.HTTPAddr = listener.Addr().String()

	err = Run(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "listen") {
		t.Fatalf("expected listen error, got %v", err)
	}
}

func TestStartGRPCHealth_Disabled(t *testing.T) {
	server, err := startGRPCHealth(context.Background(), nil, "", healthcheck.NewHandler(version.GetVersion()), nil)
	if err != nil || server != nil {
		t.Fatalf("expected disabled grpc health, got %v %v", server, err)
	}
}

func TestStartGRPCHealth_MirrorsReadiness(t *testing.T) {
	logger := log.WithField("test", "grpc-health")
	addr := fmt.Sprintf("127.0.0.1:%d", findFreePort(t))

	readiness := healthcheck.NewHandler(version.GetVersion())
	readiness.RegisterChecker("commerce", healthcheck.NewPingChecker("commerce", true, func(context.Context) error {
		return errors.New("backend down")
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var workers sync.WaitGroup
	server, err := startGRPCHealth(ctx, &workers, addr, readiness, logger)
	if err != nil {
		t.Fatalf("startGRPCHealth failed: %v", err)
	}
	defer stopGRPC(server, logger)

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc dial failed: %v", err)
	}
	defer conn.Close()

	callCtx, callCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer callCancel()
	resp, err := healthpb.NewHealthClient(conn).Check(callCtx, &healthpb.HealthCheckRequest{Service: grpcHealthService})
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING with failing critical dependency, got %s", resp.GetStatus())
	}

	cancel()
	workers.Wait()
}
