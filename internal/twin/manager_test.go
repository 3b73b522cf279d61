package twin

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/google/uuid"

	"twingrid.org/internal/alloc"
	"twingrid.org/internal/cache"
	"twingrid.org/internal/policy"
	"twingrid.org/internal/runtime"
)

type managerFixture struct {
	store    *InMemoryStore
	kv       *cache.InMemory
	rt       *runtime.Fake
	policies *policy.Service
	mgr      *Manager
	model    *ModelSnapshot
	actor    Actor
}

func newFixture(t *testing.T) *managerFixture {
	t.Helper()
	store := NewInMemoryStore()
	kv := cache.NewInMemory()
	rt := runtime.NewFake()
	policies := policy.NewService(policy.NewInMemoryStore(), kv)
	mgr := NewManager(store, store, policies, rt, alloc.New(kv))

	model := &ModelSnapshot{
		ID:                uuid.New(),
		Name:              "Crop Sim",
		Kind:              KindContainer,
		EnableDataSharing: true,
		Components: []ComponentTemplate{
			{Name: "api", ImageSource: "example/cropsim-api:1", Exposed: true, ContainerPort: 8080, Alias: "api"},
			{Name: "worker", ImageSource: "example/cropsim-worker:1", ContainerPort: 9090, Alias: "worker"},
		},
	}
	store.AddModel(model)

	return &managerFixture{
		store:    store,
		kv:       kv,
		rt:       rt,
		policies: policies,
		mgr:      mgr,
		model:    model,
		actor:    Actor{ID: uuid.New(), Email: "jane@example.com"},
	}
}

func TestSubscribeProvisionsAndRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tw, err := f.mgr.Subscribe(ctx, f.model.ID, f.actor, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if tw.Status != StatusRunning {
		t.Fatalf("status = %s, want running", tw.Status)
	}
	if tw.Port == nil {
		t.Fatal("exposed component should set the twin port")
	}
	if tw.NetworkName == "" {
		t.Fatal("network name not set")
	}

	stored, comps, err := f.store.FindTwin(ctx, tw.ID, f.actor.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != StatusRunning {
		t.Fatalf("persisted status = %s", stored.Status)
	}
	for _, c := range comps {
		if c.ContainerName == nil {
			t.Fatalf("component %s has no container name", c.Name)
		}
		if c.Exposed && c.HostPort == nil {
			t.Fatalf("exposed component %s has no host port", c.Name)
		}
		if !c.Exposed && c.HostPort != nil {
			t.Fatalf("internal component %s got host port %d", c.Name, *c.HostPort)
		}
	}
	if running := f.rt.RunningContainers(); len(running) != 2 {
		t.Fatalf("expected 2 running containers, got %v", running)
	}
}

func TestSubscribeUnknownModel(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Subscribe(context.Background(), uuid.New(), f.actor, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSubscribeWasmNotImplemented(t *testing.T) {
	f := newFixture(t)
	wasm := &ModelSnapshot{ID: uuid.New(), Name: "edge", Kind: KindWasm}
	f.store.AddModel(wasm)

	_, err := f.mgr.Subscribe(context.Background(), wasm.ID, f.actor, nil)
	if !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
}

func TestSubscribeDataSharingFlag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	yes := true
	tw, err := f.mgr.Subscribe(ctx, f.model.ID, f.actor, &yes)
	if err != nil {
		t.Fatal(err)
	}
	if !tw.EnableDataSharing {
		t.Fatal("data sharing should be enabled")
	}

	tw, err = f.mgr.Subscribe(ctx, f.model.ID, f.actor, nil)
	if err != nil {
		t.Fatal(err)
	}
	if tw.EnableDataSharing {
		t.Fatal("data sharing should default to off")
	}
}

func TestProvisionFailureLeavesDegradedAndTeardownSweeps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The second component's container creation fails.
	f.rt.Fail["create:worker_container"] = errors.New("name conflict")

	tw, err := f.mgr.Subscribe(ctx, f.model.ID, f.actor, nil)
	if !errors.Is(err, ErrProvisioning) {
		t.Fatalf("expected ErrProvisioning, got %v", err)
	}
	if tw == nil {
		t.Fatal("subscribe should return the partially provisioned twin")
	}

	stored, _, err := f.store.FindTwin(ctx, tw.ID, f.actor.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != StatusDegraded {
		t.Fatalf("status = %s, want degraded", stored.Status)
	}
	// First component is untouched by the failure.
	if running := f.rt.RunningContainers(); len(running) != 1 || !strings.HasPrefix(running[0], "api_container_") {
		t.Fatalf("expected the first container to stay running, got %v", running)
	}

	if err := f.mgr.Teardown(ctx, tw.ID, f.actor); err != nil {
		t.Fatalf("teardown after degraded provision: %v", err)
	}
	if len(f.rt.Containers) != 0 {
		t.Fatalf("containers left after teardown: %v", f.rt.Containers)
	}
	if len(f.rt.Networks) != 0 {
		t.Fatalf("networks left after teardown: %v", f.rt.Networks)
	}
	if _, _, err := f.store.FindTwin(ctx, tw.ID, f.actor.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted twin still visible: %v", err)
	}
}

func TestStartStopTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tw, err := f.mgr.Subscribe(ctx, f.model.ID, f.actor, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Already running: start is rejected and status is unchanged.
	if err := f.mgr.Start(ctx, tw.ID, f.actor); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	stored, _, _ := f.store.FindTwin(ctx, tw.ID, f.actor.ID)
	if stored.Status != StatusRunning {
		t.Fatalf("status mutated by rejected start: %s", stored.Status)
	}

	if err := f.mgr.Stop(ctx, tw.ID, f.actor); err != nil {
		t.Fatalf("stop: %v", err)
	}
	stored, _, _ = f.store.FindTwin(ctx, tw.ID, f.actor.ID)
	if stored.Status != StatusStopped {
		t.Fatalf("status = %s, want stopped", stored.Status)
	}

	if err := f.mgr.Stop(ctx, tw.ID, f.actor); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on double stop, got %v", err)
	}

	if err := f.mgr.Start(ctx, tw.ID, f.actor); err != nil {
		t.Fatalf("start: %v", err)
	}
	stored, _, _ = f.store.FindTwin(ctx, tw.ID, f.actor.ID)
	if stored.Status != StatusRunning {
		t.Fatalf("status = %s, want running", stored.Status)
	}
}

func TestTeardownReleasesPortAndIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tw, err := f.mgr.Subscribe(ctx, f.model.ID, f.actor, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, comps, _ := f.store.FindTwin(ctx, tw.ID, f.actor.ID)
	var hostPort int
	for _, c := range comps {
		if c.HostPort != nil {
			hostPort = *c.HostPort
		}
	}
	if hostPort == 0 {
		t.Fatal("no host port allocated")
	}

	if err := f.mgr.Teardown(ctx, tw.ID, f.actor); err != nil {
		t.Fatalf("teardown: %v", err)
	}

	// The port claim is gone.
	if _, ok, _ := f.kv.Get(ctx, "ports:host:"+strconv.Itoa(hostPort)); ok {
		t.Fatalf("port %d still claimed after teardown", hostPort)
	}

	// Deleted is terminal: the twin is no longer addressable.
	if err := f.mgr.Start(ctx, tw.ID, f.actor); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on deleted twin, got %v", err)
	}
	if err := f.mgr.Teardown(ctx, tw.ID, f.actor); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second teardown, got %v", err)
	}
}

func TestTeardownSweepContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tw, err := f.mgr.Subscribe(ctx, f.model.ID, f.actor, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Removing the first container fails; the rest must still be swept.
	f.rt.Fail["remove:api_container"] = errors.New("driver error")

	err = f.mgr.Teardown(ctx, tw.ID, f.actor)
	if !errors.Is(err, ErrProvisioning) {
		t.Fatalf("expected surfaced teardown error, got %v", err)
	}
	if len(f.rt.Networks) != 0 {
		t.Fatal("network not removed despite earlier failure")
	}
	if _, _, err := f.store.FindTwin(ctx, tw.ID, f.actor.ID); !errors.Is(err, ErrNotFound) {
		t.Fatal("twin not soft-deleted despite sweep errors")
	}
}

