package twin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"twingrid.org/internal/alloc"
	"twingrid.org/internal/obs"
	"twingrid.org/internal/policy"
	"twingrid.org/internal/runtime"
)

const defaultStopGrace = 30 * time.Second

// Manager drives twin lifecycle transitions against the container runtime.
// All per-twin state is keyed by twin-scoped identifiers, so operations on
// distinct twins may run concurrently without cross-twin locking; the only
// shared namespace is the port-reservation space guarded by the Allocator.
type Manager struct {
	store     Store
	models    ModelSource
	policies  *policy.Service
	rt        runtime.Runtime
	alloc     *alloc.Allocator
	stopGrace time.Duration
}

// NewManager constructs a Manager.
func NewManager(store Store, models ModelSource, policies *policy.Service, rt runtime.Runtime, allocator *alloc.Allocator) *Manager {
	return &Manager{
		store:     store,
		models:    models,
		policies:  policies,
		rt:        rt,
		alloc:     allocator,
		stopGrace: defaultStopGrace,
	}
}

type provisionFunc func(ctx context.Context, t *Twin, comps []Component, actor Actor) error

// provisionerFor dispatches on the model's deployment kind.
func (m *Manager) provisionerFor(kind DeploymentKind) (provisionFunc, error) {
	switch kind {
	case KindContainer:
		return m.provisionContainers, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotImplemented, kind)
	}
}

// Subscribe creates a private twin of a published model for the actor:
// twin and components are persisted in one transaction, the model's latest
// policy (if any) is bound, the backing topology is provisioned, and the
// actor's consumption counters are seeded.
func (m *Manager) Subscribe(ctx context.Context, modelID uuid.UUID, actor Actor, shareData *bool) (*Twin, error) {
	model, err := m.models.PublishedModel(ctx, modelID)
	if err != nil {
		return nil, err
	}

	provision, err := m.provisionerFor(model.Kind)
	if err != nil {
		return nil, err
	}

	var (
		policyID  *uuid.UUID
		actions   []policy.Action
		hasPolicy bool
	)
	if m.policies != nil {
		pol, acts, err := m.policies.Latest(ctx, model.ID)
		switch {
		case err == nil:
			policyID = &pol.ID
			actions = acts
			hasPolicy = true
		case errors.Is(err, policy.ErrNotFound):
			// No policy means the twin is unrestricted.
		default:
			return nil, err
		}
	}

	t := &Twin{
		ID:       uuid.New(),
		Name:     model.Name,
		ModelID:  model.ID,
		OwnerID:  actor.ID,
		PolicyID: policyID,
		Kind:     model.Kind,
		Status:   StatusStopped,
	}
	if model.EnableDataSharing && shareData != nil {
		t.EnableDataSharing = *shareData
	}

	comps := make([]Component, 0, len(model.Components))
	for _, tpl := range model.Components {
		comps = append(comps, Component{
			ID:            uuid.New(),
			TwinID:        t.ID,
			Name:          tpl.Name,
			ImageSource:   tpl.ImageSource,
			Exposed:       tpl.Exposed,
			ContainerPort: tpl.ContainerPort,
			Alias:         tpl.Alias,
		})
	}

	if err := m.store.CreateTwin(ctx, t, comps); err != nil {
		return nil, err
	}

	if err := provision(ctx, t, comps, actor); err != nil {
		// The twin stays Degraded for the caller to retry or tear down.
		return t, err
	}

	if hasPolicy {
		m.policies.SeedUserCounters(ctx, actions, actor.ID, t.ID)
	}
	return t, nil
}

// provisionContainers builds the twin's isolated topology: one network, then
// per component pull, optional host-port reservation, create, start, persist
// placement. The twin is marked Running only after every component started.
// On failure the twin is left Degraded with already-created resources in
// place; Teardown sweeps them.
func (m *Manager) provisionContainers(ctx context.Context, t *Twin, comps []Component, actor Actor) error {
	naming := alloc.NewNaming(actor.Email)
	networkName := naming.NetworkName(t.Name)

	if err := m.rt.CreateNetwork(ctx, networkName); err != nil {
		return m.degrade(ctx, t, fmt.Errorf("%w: network %s: %v", ErrProvisioning, networkName, err))
	}
	t.NetworkName = networkName
	// Persist the network name immediately so a later teardown can find it.
	if err := m.store.MarkProvisioned(ctx, t.ID, networkName, nil, t.Status); err != nil {
		return m.degrade(ctx, t, err)
	}

	var publicPort *int
	for i := range comps {
		comp := &comps[i]

		if err := m.rt.PullImage(ctx, comp.ImageSource); err != nil {
			return m.degrade(ctx, t, fmt.Errorf("%w: component %s: pull: %v", ErrProvisioning, comp.Name, err))
		}

		hostPort := 0
		if comp.Exposed {
			port, err := m.alloc.ReservePort(ctx)
			if err != nil {
				return m.degrade(ctx, t, fmt.Errorf("component %s: %w", comp.Name, err))
			}
			hostPort = port
		}

		containerName := naming.ContainerName(comp.Name)
		spec := runtime.ContainerSpec{
			Image:         comp.ImageSource,
			Name:          containerName,
			Network:       networkName,
			Alias:         comp.Alias,
			ContainerPort: comp.ContainerPort,
			HostPort:      hostPort,
		}
		if _, err := m.rt.CreateContainer(ctx, spec); err != nil {
			if hostPort > 0 {
				_ = m.alloc.ReleasePort(ctx, hostPort)
			}
			return m.degrade(ctx, t, fmt.Errorf("%w: component %s: create: %v", ErrProvisioning, comp.Name, err))
		}
		if err := m.rt.StartContainer(ctx, containerName); err != nil {
			return m.degrade(ctx, t, fmt.Errorf("%w: component %s: start: %v", ErrProvisioning, comp.Name, err))
		}

		comp.ContainerName = &containerName
		if comp.Exposed {
			port := hostPort
			comp.HostPort = &port
			publicPort = &port
		}
		if err := m.store.SavePlacement(ctx, comp.ID, containerName, comp.HostPort); err != nil {
			return m.degrade(ctx, t, err)
		}
	}

	if err := m.store.MarkProvisioned(ctx, t.ID, networkName, publicPort, StatusRunning); err != nil {
		return m.degrade(ctx, t, err)
	}
	t.Status = StatusRunning
	t.Port = publicPort
	obs.ObserveProvision("ok")
	obs.LogEvent("twin.provisioned", map[string]any{"twin_id": t.ID.String(), "network": networkName})
	return nil
}

// degrade flags the twin for remediation and passes the cause through.
func (m *Manager) degrade(ctx context.Context, t *Twin, cause error) error {
	t.Status = StatusDegraded
	if err := m.store.UpdateStatus(ctx, t.ID, StatusDegraded); err != nil {
		obs.LogEvent("twin.degrade_failed", map[string]any{"twin_id": t.ID.String(), "error": err.Error()})
	}
	obs.ObserveProvision("degraded")
	obs.LogEvent("twin.degraded", map[string]any{"twin_id": t.ID.String(), "error": cause.Error()})
	return cause
}

// Get returns a twin with its components, scoped to the actor's ownership.
func (m *Manager) Get(ctx context.Context, twinID uuid.UUID, actor Actor) (*Twin, []Component, error) {
	return m.store.FindTwin(ctx, twinID, actor.ID)
}

// List returns the actor's non-deleted twins.
func (m *Manager) List(ctx context.Context, actor Actor) ([]*Twin, error) {
	return m.store.ListTwins(ctx, actor.ID)
}

// Start moves a Stopped twin to Running. Starting a twin in any other state
// fails with ErrInvalidState and leaves it untouched.
func (m *Manager) Start(ctx context.Context, twinID uuid.UUID, actor Actor) error {
	t, comps, err := m.store.FindTwin(ctx, twinID, actor.ID)
	if err != nil {
		return err
	}
	if !t.Status.CanTransition(StatusRunning) {
		return fmt.Errorf("%w: cannot start twin in status %s", ErrInvalidState, t.Status)
	}
	for _, comp := range comps {
		if comp.ContainerName == nil {
			continue
		}
		if err := m.rt.StartContainer(ctx, *comp.ContainerName); err != nil {
			return fmt.Errorf("%w: component %s: start: %v", ErrProvisioning, comp.Name, err)
		}
	}
	if err := m.store.UpdateStatus(ctx, t.ID, StatusRunning); err != nil {
		return err
	}
	obs.LogEvent("twin.started", map[string]any{"twin_id": t.ID.String()})
	return nil
}

// Stop moves a Running twin to Stopped. The containers get the configured
// grace period before the runtime kills them.
func (m *Manager) Stop(ctx context.Context, twinID uuid.UUID, actor Actor) error {
	t, comps, err := m.store.FindTwin(ctx, twinID, actor.ID)
	if err != nil {
		return err
	}
	if !t.Status.CanTransition(StatusStopped) {
		return fmt.Errorf("%w: cannot stop twin in status %s", ErrInvalidState, t.Status)
	}
	for _, comp := range comps {
		if comp.ContainerName == nil {
			continue
		}
		if err := m.rt.StopContainer(ctx, *comp.ContainerName, m.stopGrace); err != nil {
			return fmt.Errorf("%w: component %s: stop: %v", ErrProvisioning, comp.Name, err)
		}
	}
	if err := m.store.UpdateStatus(ctx, t.ID, StatusStopped); err != nil {
		return err
	}
	obs.LogEvent("twin.stopped", map[string]any{"twin_id": t.ID.String()})
	return nil
}

// Teardown decommissions a twin: every container is stopped and
// force-removed, reserved ports are released, the network is removed, and
// the twin is soft-deleted. The sweep is best-effort; a failing step is
// recorded but does not block cleanup of the remaining resources.
func (m *Manager) Teardown(ctx context.Context, twinID uuid.UUID, actor Actor) error {
	t, comps, err := m.store.FindTwin(ctx, twinID, actor.ID)
	if err != nil {
		return err
	}

	var errs []error
	for _, comp := range comps {
		if comp.ContainerName != nil {
			name := *comp.ContainerName
			if err := m.rt.StopContainer(ctx, name, m.stopGrace); err != nil {
				errs = append(errs, fmt.Errorf("component %s: stop: %w", comp.Name, err))
			}
			if err := m.rt.RemoveContainer(ctx, name, true); err != nil {
				errs = append(errs, fmt.Errorf("component %s: remove: %w", comp.Name, err))
			}
		}
		if comp.HostPort != nil {
			if err := m.alloc.ReleasePort(ctx, *comp.HostPort); err != nil {
				errs = append(errs, fmt.Errorf("component %s: %w", comp.Name, err))
			}
		}
	}
	if t.NetworkName != "" {
		if err := m.rt.RemoveNetwork(ctx, t.NetworkName); err != nil {
			errs = append(errs, fmt.Errorf("network %s: remove: %w", t.NetworkName, err))
		}
	}

	if err := m.store.SoftDelete(ctx, t.ID, actor.ID); err != nil {
		errs = append(errs, err)
	}
	obs.LogEvent("twin.deleted", map[string]any{"twin_id": t.ID.String(), "errors": len(errs)})

	if len(errs) > 0 {
		return fmt.Errorf("%w: teardown: %v", ErrProvisioning, errors.Join(errs...))
	}
	return nil
}
