package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/matheus3301/wppbot/internal/backup"
	"github.com/matheus3301/wppbot/internal/daemon"
	"github.com/matheus3301/wppbot/internal/lock"
	"github.com/matheus3301/wppbot/internal/session"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, sessionName, *jsonFlag)
	case "backups":
		cmdBackups(sessionName, *jsonFlag)
	case "sessions":
		cmdSessions(*jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: wppbotctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status     Show daemon and connection status")
	fmt.Fprintln(os.Stderr, "  backups    List database snapshots")
	fmt.Fprintln(os.Stderr, "  sessions   List known sessions")
}

type statusOutput struct {
	Session    string `json:"session"`
	Running    bool   `json:"running"`
	PID        int    `json:"pid,omitempty"`
	Started    string `json:"started,omitempty"`
	Phase      string `json:"phase,omitempty"`
	PhaseSince string `json:"phase_since,omitempty"`
	Serving    bool   `json:"serving"`
	LastBackup string `json:"last_backup,omitempty"`
	Error      string `json:"error,omitempty"`
}

func cmdStatus(ctx context.Context, sessionName string, jsonOut bool) {
	out := statusOutput{Session: sessionName}
	if held := lock.Inspect(session.LockPath(sessionName)); held != nil {
		out.Running = true
		out.PID = held.PID
		if !held.Since.IsZero() {
			out.Started = held.Since.Format(time.RFC3339)
		}
	}
	if snaps, err := backup.List(session.BackupDir(sessionName)); err == nil && len(snaps) > 0 {
		out.LastBackup = filepath.Base(snaps[len(snaps)-1])
	}

	if out.Running {
		if err := checkHealth(ctx, session.SocketPath(sessionName), &out); err != nil {
			out.Error = err.Error()
		}
	}

	if jsonOut {
		outputJSON(out)
	} else {
		printStatus(out)
	}
	if !out.Serving {
		os.Exit(2)
	}
}

func checkHealth(ctx context.Context, socketPath string, out *statusOutput) error {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return fmt.Errorf("dial daemon: %w", err)
	}
	defer func() { _ = conn.Close() }()

	var md metadata.MD
	resp, err := healthpb.NewHealthClient(conn).Check(ctx,
		&healthpb.HealthCheckRequest{Service: daemon.HealthService},
		grpc.Header(&md),
	)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	out.Serving = resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	if v := md.Get(daemon.HeaderPhase); len(v) > 0 {
		out.Phase = v[0]
	}
	if v := md.Get(daemon.HeaderSince); len(v) > 0 {
		out.PhaseSince = v[0]
	}
	return nil
}

func printStatus(s statusOutput) {
	fmt.Printf("Session: %s\n", s.Session)
	if !s.Running {
		fmt.Println("Daemon:  not running")
	} else {
		fmt.Printf("Daemon:  PID %d since %s\n", s.PID, s.Started)
	}
	if s.Phase != "" {
		fmt.Printf("Phase:   %s since %s\n", s.Phase, s.PhaseSince)
	}
	fmt.Printf("Serving: %v\n", s.Serving)
	if s.LastBackup != "" {
		fmt.Printf("Backup:  %s\n", s.LastBackup)
	}
	if s.Error != "" {
		fmt.Printf("Error:   %s\n", s.Error)
	}
}

type snapshotOutput struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Modified string `json:"modified"`
}

func cmdBackups(sessionName string, jsonOut bool) {
	snaps, err := backup.List(session.BackupDir(sessionName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	out := make([]snapshotOutput, 0, len(snaps))
	for _, p := range snaps {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		out = append(out, snapshotOutput{
			Name:     filepath.Base(p),
			Size:     info.Size(),
			Modified: info.ModTime().UTC().Format(time.RFC3339),
		})
	}
	if jsonOut {
		outputJSON(out)
		return
	}
	if len(out) == 0 {
		fmt.Println("No snapshots found.")
		return
	}
	for _, s := range out {
		fmt.Printf("%-32s %10d  %s\n", s.Name, s.Size, s.Modified)
	}
}

type sessionOutput struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Running bool   `json:"running"`
}

func cmdSessions(jsonOut bool) {
	entries, err := os.ReadDir(filepath.Join(session.BaseDir(), "sessions"))
	if err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	out := make([]sessionOutput, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || session.ValidateName(e.Name()) != nil {
			continue
		}
		out = append(out, sessionOutput{
			Name:    e.Name(),
			Path:    session.Dir(e.Name()),
			Running: lock.Inspect(session.LockPath(e.Name())) != nil,
		})
	}
	if jsonOut {
		outputJSON(out)
		return
	}
	if len(out) == 0 {
		fmt.Println("No sessions found.")
		return
	}
	for _, s := range out {
		running := "stopped"
		if s.Running {
			running = "running"
		}
		fmt.Printf("%-20s %s (%s)\n", s.Name, s.Path, running)
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
