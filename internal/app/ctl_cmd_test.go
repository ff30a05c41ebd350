package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/nuetzliches/courier/internal/controlapi"
	"github.com/nuetzliches/courier/internal/processor"
	"github.com/nuetzliches/courier/internal/queue"
)

type stubControl struct {
	mu      sync.Mutex
	state   processor.State
	flushes int
	clears  int
}

func (s *stubControl) QueueStats() queue.Stats {
	return queue.Stats{Immediate: 1, Normal: 2, Total: 3}
}

func (s *stubControl) ProcessorState() processor.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stubControl) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return nil
}

func (s *stubControl) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = processor.StatePaused
}

func (s *stubControl) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = processor.StateRunning
}

func (s *stubControl) ClearQueue() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
	return nil
}

func bufconnDialer(t *testing.T, control controlapi.Controller, token string) controlDialer {
	t.Helper()
	ln := bufconn.Listen(1 << 20)
	var tokens [][]byte
	if token != "" {
		tokens = [][]byte{[]byte(token)}
	}
	srv := grpc.NewServer(grpc.UnaryInterceptor(controlapi.UnaryAuthInterceptor(controlapi.BearerTokenAuthorizer(tokens))))
	ctl := controlapi.NewServer(control)
	ctl.Metrics = newRuntimeMetrics().snapshot
	ctl.Logger = newDiscardLogger()
	controlapi.Register(srv, ctl)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		srv.Stop()
		_ = ln.Close()
	})

	return func(string) (grpc.ClientConnInterface, func() error, error) {
		cc, err := grpc.NewClient("passthrough:///bufnet",
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return ln.DialContext(ctx)
			}),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
		if err != nil {
			return nil, nil, err
		}
		return cc, cc.Close, nil
	}
}

func TestCtlCmd_Operations(t *testing.T) {
	control := &stubControl{state: processor.StateRunning}
	dial := bufconnDialer(t, control, "tok")

	for _, op := range []string{"pause", "flush", "clear"} {
		stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
		if code := runCtlCmd([]string{"--token", "tok", op}, stdout, stderr, dial); code != 0 {
			t.Fatalf("%s: exit %d, stderr=%s", op, code, stderr.String())
		}
		if strings.TrimSpace(stdout.String()) != "ok" {
			t.Fatalf("%s: stdout %q", op, stdout.String())
		}
	}
	if control.ProcessorState() != processor.StatePaused {
		t.Fatalf("state: %s", control.ProcessorState())
	}
	if control.flushes != 1 || control.clears != 1 {
		t.Fatalf("flushes=%d clears=%d", control.flushes, control.clears)
	}

	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	if code := runCtlCmd([]string{"--token", "tok", "stats"}, stdout, stderr, dial); code != 0 {
		t.Fatalf("stats: exit %d, stderr=%s", code, stderr.String())
	}
	var stats struct {
		Queue     map[string]any `json:"queue"`
		Processor map[string]any `json:"processor"`
		Metrics   map[string]any `json:"metrics"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v\n%s", err, stdout.String())
	}
	if stats.Processor["state"] != "paused" {
		t.Fatalf("processor: %#v", stats.Processor)
	}
	if stats.Queue["total"] != float64(3) {
		t.Fatalf("queue: %#v", stats.Queue)
	}
	if _, ok := stats.Metrics["delivery"]; !ok {
		t.Fatalf("metrics: %#v", stats.Metrics)
	}
}

func TestCtlCmd_Unauthenticated(t *testing.T) {
	dial := bufconnDialer(t, &stubControl{}, "tok")
	stderr := &bytes.Buffer{}
	if code := runCtlCmd([]string{"--token", "wrong", "pause"}, &bytes.Buffer{}, stderr, dial); code != 1 {
		t.Fatalf("exit %d", code)
	}
	if !strings.Contains(stderr.String(), "Unauthenticated") {
		t.Fatalf("stderr: %s", stderr.String())
	}
}

func TestCtlCmd_Usage(t *testing.T) {
	dial := func(string) (grpc.ClientConnInterface, func() error, error) {
		t.Fatalf("dial must not be called")
		return nil, nil, nil
	}
	if code := runCtlCmd(nil, &bytes.Buffer{}, &bytes.Buffer{}, dial); code != 2 {
		t.Fatalf("no op: exit %d", code)
	}
	if code := runCtlCmd([]string{"explode"}, &bytes.Buffer{}, &bytes.Buffer{}, dial); code != 2 {
		t.Fatalf("bad op: exit %d", code)
	}
}
