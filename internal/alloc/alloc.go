package alloc

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"twingrid.org/internal/cache"
)

const (
	// Host ports are drawn from [8000, 10000).
	portRangeStart = 8000
	portRangeEnd   = 10000

	// Attempts before giving up; collisions at this rate mean the
	// range itself is nearly full.
	maxAttempts = 64

	portKeyPrefix = "ports:host:"
)

var (
	ErrPortsExhausted = errors.New("alloc: no free host port")
)

// Allocator reserves host ports in the shared cache namespace so that
// concurrent provisioning runs never hand out the same port.
type Allocator struct {
	kv      cache.KV
	randInt func(n int) int
}

// New creates an Allocator over the given cache.
func New(kv cache.KV) *Allocator {
	return &Allocator{kv: kv, randInt: rand.Intn}
}

// ReservePort claims a free host port and returns it. The claim is a
// set-if-absent marker with no expiry; it stays until ReleasePort.
func (a *Allocator) ReservePort(ctx context.Context) (int, error) {
	span := portRangeEnd - portRangeStart
	for attempt := 0; attempt < maxAttempts; attempt++ {
		port := portRangeStart + a.randInt(span)
		claimed, err := a.kv.SetNX(ctx, portKey(port), strconv.Itoa(port), cache.NoTTL)
		if err != nil {
			return 0, fmt.Errorf("reserve port: %w", err)
		}
		if claimed {
			return port, nil
		}
	}
	return 0, ErrPortsExhausted
}

// ReleasePort drops the claim marker. Idempotent.
func (a *Allocator) ReleasePort(ctx context.Context, port int) error {
	if port <= 0 {
		return nil
	}
	if err := a.kv.Del(ctx, portKey(port)); err != nil {
		return fmt.Errorf("release port %d: %w", port, err)
	}
	return nil
}

func portKey(port int) string {
	return portKeyPrefix + strconv.Itoa(port)
}

// Naming derives network and container names for one provisioning run.
// All names of a run share a random disambiguator; a residual collision
// surfaces as a runtime creation error rather than being retried here.
type Naming struct {
	owner string
	tag   string
}

// NewNaming seeds a Naming for the given owner identity (typically an email).
func NewNaming(owner string) Naming {
	return Naming{
		owner: sanitizeOwner(owner),
		tag:   strconv.Itoa(rand.Intn(10000)),
	}
}

// NetworkName returns the isolated network name for a model instance.
func (n Naming) NetworkName(modelName string) string {
	return strings.ToLower(sanitizeName(modelName) + "_network_" + n.owner + "_" + n.tag)
}

// ContainerName returns the container name for one component.
func (n Naming) ContainerName(componentName string) string {
	return strings.ToLower(sanitizeName(componentName) + "_container_" + n.owner + "_" + n.tag)
}

func sanitizeName(name string) string {
	return strings.ReplaceAll(name, " ", "_")
}

func sanitizeOwner(owner string) string {
	owner = strings.ReplaceAll(owner, "@", "")
	owner = strings.ReplaceAll(owner, ".", "")
	return strings.ReplaceAll(owner, " ", "_")
}
