package daemon

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/matheus3301/wppbot/internal/bus"
	"github.com/matheus3301/wppbot/internal/config"
	"github.com/matheus3301/wppbot/internal/status"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
)

func TestModuleGraph(t *testing.T) {
	if err := fx.ValidateApp(Module(Params{SessionName: "test"})); err != nil {
		t.Fatalf("dependency graph invalid: %v", err)
	}
}

func TestHealthFollowsPhase(t *testing.T) {
	// Use a short path to avoid macOS 104-char Unix socket limit.
	tmpDir, err := os.MkdirTemp("/tmp", "wppbot-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()
	socketPath := filepath.Join(tmpDir, "d.sock")

	b := bus.New()
	machine := status.NewMachine(b)
	srv, err := NewServer(Params{SessionName: "test", SocketPath: socketPath}, machine, b, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Start() }()
	defer srv.Stop(context.Background())

	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("socket mode = %o, want 0600", info.Mode().Perm())
	}

	conn, err := grpc.NewClient("unix://"+socketPath, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()
	client := healthpb.NewHealthClient(conn)

	check := func() (healthpb.HealthCheckResponse_ServingStatus, string) {
		t.Helper()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		var md metadata.MD
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: HealthService}, grpc.Header(&md))
		if err != nil {
			t.Fatalf("Check() error = %v", err)
		}
		var phase string
		if v := md.Get(HeaderPhase); len(v) > 0 {
			phase = v[0]
		}
		return resp.GetStatus(), phase
	}

	if st, phase := check(); st != healthpb.HealthCheckResponse_NOT_SERVING || phase != string(status.Idle) {
		t.Errorf("idle: status=%v phase=%q", st, phase)
	}

	if err := machine.Transition(status.Connecting); err != nil {
		t.Fatal(err)
	}
	if err := machine.Transition(status.Open); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		st, phase := check()
		return st == healthpb.HealthCheckResponse_SERVING && phase == string(status.Open)
	})

	if err := machine.Transition(status.Closed); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		st, _ := check()
		return st == healthpb.HealthCheckResponse_NOT_SERVING
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

type stubConfigured bool

func (s stubConfigured) Configured() bool { return bool(s) }

type stubAvailable bool

func (s stubAvailable) Available() bool { return bool(s) }

func TestProbe(t *testing.T) {
	cfg := config.Default()
	cfg.Report.OperatorJID = "op@s.whatsapp.net"

	caps := probe(cfg, stubConfigured(true), stubConfigured(false), stubAvailable(false))
	if !caps.AI || caps.Search || caps.Downloads || !caps.Operator || caps.Upload {
		t.Errorf("caps = %+v", caps)
	}
	if got, want := caps.Missing(), []string{"search", "downloads", "upload"}; !slices.Equal(got, want) {
		t.Errorf("Missing() = %v, want %v", got, want)
	}

	cfg.Backup.S3.Bucket = "snaps"
	caps = probe(cfg, stubConfigured(true), stubConfigured(true), stubAvailable(true))
	if len(caps.Missing()) != 0 {
		t.Errorf("Missing() = %v, want none", caps.Missing())
	}
	logCapabilities(caps, zap.NewNop())
}
