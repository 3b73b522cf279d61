package runtime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Fake is an in-memory Runtime for tests. Failures are scripted per
// "op:name" key, e.g. Fail["create:bad_container"] = errors.New("boom");
// a key missing an exact match fails on prefix, which lets tests target
// names carrying a random disambiguator.
type Fake struct {
	mu sync.Mutex

	Networks   map[string]bool
	Containers map[string]*FakeContainer
	Fail       map[string]error
	Calls      []string
}

// FakeContainer records the state of one created container.
type FakeContainer struct {
	Spec    ContainerSpec
	Running bool
}

var _ Runtime = (*Fake)(nil)

// NewFake creates an empty fake runtime.
func NewFake() *Fake {
	return &Fake{
		Networks:   make(map[string]bool),
		Containers: make(map[string]*FakeContainer),
		Fail:       make(map[string]error),
	}
}

func (f *Fake) step(op, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := op + ":" + name
	f.Calls = append(f.Calls, call)
	if err, ok := f.Fail[call]; ok {
		return err
	}
	for key, err := range f.Fail {
		if strings.HasPrefix(call, key) {
			return err
		}
	}
	return nil
}

func (f *Fake) PullImage(ctx context.Context, image string) error {
	return f.step("pull", image)
}

func (f *Fake) CreateNetwork(ctx context.Context, name string) error {
	if err := f.step("create-network", name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Networks[name] {
		return fmt.Errorf("network %s already exists", name)
	}
	f.Networks[name] = true
	return nil
}

func (f *Fake) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	if err := f.step("create", spec.Name); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Containers[spec.Name]; ok {
		return "", fmt.Errorf("container %s already exists", spec.Name)
	}
	f.Containers[spec.Name] = &FakeContainer{Spec: spec}
	return "id-" + spec.Name, nil
}

func (f *Fake) StartContainer(ctx context.Context, name string) error {
	if err := f.step("start", name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.Containers[name]
	if !ok {
		return fmt.Errorf("container %s not found", name)
	}
	c.Running = true
	return nil
}

func (f *Fake) StopContainer(ctx context.Context, name string, grace time.Duration) error {
	if err := f.step("stop", name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.Containers[name]
	if !ok {
		return fmt.Errorf("container %s not found", name)
	}
	c.Running = false
	return nil
}

func (f *Fake) RemoveContainer(ctx context.Context, name string, force bool) error {
	if err := f.step("remove", name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.Containers[name]
	if !ok {
		return fmt.Errorf("container %s not found", name)
	}
	if c.Running && !force {
		return fmt.Errorf("container %s is running", name)
	}
	delete(f.Containers, name)
	return nil
}

func (f *Fake) RemoveNetwork(ctx context.Context, name string) error {
	if err := f.step("remove-network", name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.Networks[name] {
		return fmt.Errorf("network %s not found", name)
	}
	delete(f.Networks, name)
	return nil
}

// RunningContainers returns the names of containers currently running.
func (f *Fake) RunningContainers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for name, c := range f.Containers {
		if c.Running {
			out = append(out, name)
		}
	}
	return out
}
