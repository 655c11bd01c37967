package supervisor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nevindra/oasis"
	"github.com/nevindra/oasis/runtime/docker"
)

type fakeContainerRuntime struct {
	launched map[string]bool
}

func newFakeContainerRuntime() *fakeContainerRuntime {
	return &fakeContainerRuntime{launched: make(map[string]bool)}
}

func (f *fakeContainerRuntime) Launch(ctx context.Context, spec oasis.AgentSpec) (string, error) {
	handle := "container-" + spec.ID
	f.launched[handle] = true
	return handle, nil
}

func (f *fakeContainerRuntime) Stop(ctx context.Context, handle string, grace time.Duration) error {
	delete(f.launched, handle)
	return nil
}
func (f *fakeContainerRuntime) Remove(ctx context.Context, handle string) error { return nil }

func (f *fakeContainerRuntime) Inspect(ctx context.Context, handle string) (docker.InspectResult, error) {
	return docker.InspectResult{Running: f.launched[handle]}, nil
}
func (f *fakeContainerRuntime) Exec(ctx context.Context, handle string, argv []string) (docker.ExecResult, error) {
	return docker.ExecResult{ExitCode: 0}, nil
}
func (f *fakeContainerRuntime) Logs(ctx context.Context, handle string, tail int) (string, error) {
	return "log output", nil
}

type fakeProcessHandle struct{ alive bool }

func (h *fakeProcessHandle) Alive() bool { return h.alive }
func (h *fakeProcessHandle) Stop()       { h.alive = false }

type fakeProcessRuntime struct {
	startErr error
}

func (f *fakeProcessRuntime) Start(spec oasis.AgentSpec) (ProcessHandle, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &fakeProcessHandle{alive: true}, nil
}

func tokenResolver(tokens map[string]string) TokenResolver {
	return func(ref string) (string, error) {
		t, ok := tokens[ref]
		if !ok {
			return "", fmt.Errorf("unknown ref %q", ref)
		}
		return t, nil
	}
}

func processSpec(id string) oasis.AgentSpec {
	return oasis.AgentSpec{
		ID:              id,
		Kind:            oasis.KindProcess,
		DisplayName:     id,
		LLM:             oasis.LLMConfig{Provider: "openai", Model: "gpt", APIKeyRef: "ref-" + id + "-llm"},
		DiscordTokenRef: "ref-" + id,
	}
}

func TestLoadSpecsRejectsDuplicateToken(t *testing.T) {
	s := New(newFakeContainerRuntime(), &fakeProcessRuntime{}, tokenResolver(map[string]string{
		"ref-a": "same-token",
		"ref-b": "same-token",
	}))
	err := s.LoadSpecs([]oasis.AgentSpec{processSpec("a"), processSpec("b")})
	if _, ok := err.(*oasis.DuplicateBotToken); !ok {
		t.Fatalf("LoadSpecs error = %T, want *oasis.DuplicateBotToken", err)
	}
}

func TestLoadSpecsRejectsInvalidSpec(t *testing.T) {
	s := New(newFakeContainerRuntime(), &fakeProcessRuntime{}, tokenResolver(map[string]string{"ref-a": "t1"}))
	bad := processSpec("a")
	bad.LLM.Provider = "not-a-real-provider"
	if err := s.LoadSpecs([]oasis.AgentSpec{bad}); err == nil {
		t.Fatal("LoadSpecs with unknown provider: want error, got nil")
	}
}

func TestDeployTransitionsToRunning(t *testing.T) {
	s := New(newFakeContainerRuntime(), &fakeProcessRuntime{}, tokenResolver(map[string]string{"ref-a": "t1"}),
		WithProbeInterval(10*time.Millisecond))
	if err := s.LoadSpecs([]oasis.AgentSpec{processSpec("a")}); err != nil {
		t.Fatalf("LoadSpecs: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Deploy(ctx, "a"); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		inst, ok := s.Status("a")
		if ok && inst.State == oasis.StateRunning {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("instance did not reach running state in time")
}

func TestDeployRejectsAlreadyLive(t *testing.T) {
	s := New(newFakeContainerRuntime(), &fakeProcessRuntime{}, tokenResolver(map[string]string{"ref-a": "t1"}))
	if err := s.LoadSpecs([]oasis.AgentSpec{processSpec("a")}); err != nil {
		t.Fatalf("LoadSpecs: %v", err)
	}
	ctx := context.Background()
	if err := s.Deploy(ctx, "a"); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if err := s.Deploy(ctx, "a"); err == nil {
		t.Fatal("second Deploy on live instance: want error, got nil")
	}
}

func TestStopTransitionsToStopped(t *testing.T) {
	s := New(newFakeContainerRuntime(), &fakeProcessRuntime{}, tokenResolver(map[string]string{"ref-a": "t1"}))
	if err := s.LoadSpecs([]oasis.AgentSpec{processSpec("a")}); err != nil {
		t.Fatalf("LoadSpecs: %v", err)
	}
	ctx := context.Background()
	if err := s.Deploy(ctx, "a"); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if err := s.Stop(ctx, "a", time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	inst, ok := s.Status("a")
	if !ok || inst.State != oasis.StateStopped {
		t.Fatalf("Status after Stop = %+v, want stopped", inst)
	}
}

func TestReconcileAutoDeploysDeclaredSpecs(t *testing.T) {
	s := New(newFakeContainerRuntime(), &fakeProcessRuntime{}, tokenResolver(map[string]string{"ref-a": "t1"}))
	spec := processSpec("a")
	spec.AutoDeploy = true
	if err := s.LoadSpecs([]oasis.AgentSpec{spec}); err != nil {
		t.Fatalf("LoadSpecs: %v", err)
	}
	if err := s.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if _, ok := s.Status("a"); !ok {
		t.Fatal("Reconcile did not deploy auto_deploy spec")
	}
}
