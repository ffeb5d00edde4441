// Package backend defines the capability set a container backend must
// implement (§4.6) and a small registry the router selects from. Concrete
// backends (native crun/runc, Proxmox LXC, the VM placeholder) live in
// sibling packages so the orchestrator only ever depends on this
// interface, never on a concrete type.
package backend

import (
	"context"
	"io"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Tag identifies a backend in configuration, state records, and CLI flags.
type Tag string

const (
	TagNative Tag = "crun" // also accepts "runc" at the CLI, see router
	TagLxc    Tag = "lxc"
	TagVm     Tag = "vm"
)

// State is the live status a backend reports for a VMID.
type State struct {
	Running  bool
	Paused   bool
	PID      int
	ExitCode *int
}

// ExecRequest describes a command to run inside a running container.
type ExecRequest struct {
	Argv  []string
	Env   []string
	Cwd   string
	User  string
	TTY   bool
	Stdin io.Reader
	Stdout,
	Stderr io.Writer
}

// Backend is the uniform operation set the orchestrator drives. Every
// backend implements the required methods; Checkpoint/Restore are
// optional and a backend that doesn't support them returns
// errs.KindTranslation (checked via the Checkpointable interface below).
type Backend interface {
	Tag() Tag

	Exists(ctx context.Context, vmid int) (bool, error)
	Create(ctx context.Context, vmid int, spec *specs.Spec, bundle string) error
	Start(ctx context.Context, vmid int) error
	Stop(ctx context.Context, vmid int, timeout time.Duration) error
	Kill(ctx context.Context, vmid int, signal string) error
	Delete(ctx context.Context, vmid int) error
	State(ctx context.Context, vmid int) (State, error)
	Exec(ctx context.Context, vmid int, req ExecRequest) (int, error)
	Pause(ctx context.Context, vmid int) error
	Resume(ctx context.Context, vmid int) error
	List(ctx context.Context) ([]int, error)
}

// Checkpointable is implemented by backends that support live migration
// style checkpoint/restore. Backends without it (native CLI runtimes, the
// LXC driver as specified) are handled via a type assertion.
type Checkpointable interface {
	Checkpoint(ctx context.Context, vmid int, imagePath string) error
	Restore(ctx context.Context, vmid int, imagePath string) error
}

// Registry maps a Tag to a constructed Backend.
type Registry struct {
	backends map[Tag]Backend
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{backends: map[Tag]Backend{}}
}

// Register adds b under its own Tag.
func (r *Registry) Register(b Backend) {
	r.backends[b.Tag()] = b
}

// Get returns the backend for tag, or ok=false if unregistered.
func (r *Registry) Get(tag Tag) (Backend, bool) {
	b, ok := r.backends[tag]
	return b, ok
}

// Tags returns every registered tag.
func (r *Registry) Tags() []Tag {
	tags := make([]Tag, 0, len(r.backends))
	for t := range r.backends {
		tags = append(tags, t)
	}
	return tags
}
