package docker

import (
	"context"
	"io"
	"time"
)

// Summary is one entry of a container listing.
type Summary struct {
	ID    string
	Name  string
	Image string
	State string
}

// Details is the inspect view of a single container. Absent containers are
// reported as an error satisfying errdefs.IsNotFound, not as empty Details.
type Details struct {
	ID      string
	Name    string
	Running bool
	Status  string // created, running, paused, restarting, removing, exited, dead
	Health  string // healthy, unhealthy, starting, or empty without a healthcheck
}

// CreateSpec describes the container to create for an app.
type CreateSpec struct {
	Name         string
	Image        string
	Env          []string
	Network      string // shared app network to attach to
	InternalPort int    // port probed by the container healthcheck
	MemoryBytes  int64
	NanoCPUs     int64
}

// Runtime is the narrow capability surface the control plane needs from a
// container runtime. Orchestration logic runs against this interface so
// tests can substitute an in-memory fake for the Docker daemon.
type Runtime interface {
	List(ctx context.Context, all bool) ([]Summary, error)
	Inspect(ctx context.Context, name string) (Details, error)
	Create(ctx context.Context, spec CreateSpec) (string, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string, grace time.Duration) error
	Remove(ctx context.Context, name string, force bool) error
	Pull(ctx context.Context, image string, onProgress func(line string)) error
	Logs(ctx context.Context, name string, tail int, follow bool) (io.ReadCloser, error)
	Exec(ctx context.Context, name string, cmd []string) (string, error)
}
