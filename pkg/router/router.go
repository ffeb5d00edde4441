// Package router implements backend selection (§4.6.3): given a create
// request it decides which registered backend.Backend realizes the
// container, so the orchestrator and every later verb never re-derive the
// decision — it is resolved once at create time and persisted in the
// state record.
package router

import (
	"path"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/pveshim/pkg/backend"
	"github.com/cuemby/pveshim/pkg/errs"
)

// runtimeAnnotation is read from spec.Annotations when no explicit backend
// flag was given on the CLI.
const runtimeAnnotation = "runtime"

// Pattern maps an id glob (e.g. "lxc-*") to the backend tag it selects.
// Patterns are tried in declaration order; the first match wins.
type Pattern struct {
	Glob    string
	Backend backend.Tag
}

// Router resolves a backend for a create request per §4.6.3's four-step
// precedence: explicit tag, spec annotation, id glob pattern, default.
type Router struct {
	registry *backend.Registry
	patterns []Pattern
	def      backend.Tag
}

// New returns a Router over registry, trying patterns in order before
// falling back to def.
func New(registry *backend.Registry, patterns []Pattern, def backend.Tag) *Router {
	return &Router{registry: registry, patterns: patterns, def: def}
}

// Resolve picks a backend for id given an optional explicit tag (empty
// means "not supplied on the CLI") and the spec being created. An explicit
// "runc" selects the native backend, the same as "crun".
func (r *Router) Resolve(id string, explicit backend.Tag, spec *specs.Spec) (backend.Backend, backend.Tag, error) {
	if explicit == "runc" {
		explicit = backend.TagNative
	}
	if explicit != "" {
		b, ok := r.registry.Get(explicit)
		if !ok {
			return nil, "", errs.New(errs.KindUsage, "backend %q is not registered", explicit)
		}
		return b, explicit, nil
	}

	if spec != nil && spec.Annotations != nil {
		if tag, ok := spec.Annotations[runtimeAnnotation]; ok && tag != "" {
			if b, registered := r.registry.Get(backend.Tag(tag)); registered {
				return b, backend.Tag(tag), nil
			}
		}
	}

	for _, p := range r.patterns {
		matched, err := path.Match(p.Glob, id)
		if err != nil {
			return nil, "", errs.Wrap(errs.KindUsage, err, "invalid router glob pattern %q", p.Glob)
		}
		if matched {
			if b, ok := r.registry.Get(p.Backend); ok {
				return b, p.Backend, nil
			}
		}
	}

	b, ok := r.registry.Get(r.def)
	if !ok {
		return nil, "", errs.New(errs.KindUsage, "default backend %q is not registered", r.def)
	}
	return b, r.def, nil
}

// ForTag returns the backend a previously-persisted tag resolves to,
// used by every verb after create that must use the same backend the
// state record already committed to.
func (r *Router) ForTag(tag backend.Tag) (backend.Backend, error) {
	b, ok := r.registry.Get(tag)
	if !ok {
		return nil, errs.New(errs.KindBackendFailure, "backend %q referenced by state record is not registered", tag)
	}
	return b, nil
}

// ForTagOK is the non-error-returning form of ForTag, used by callers
// (e.g. `list`'s reconciliation pass) that want to skip an unregistered
// backend rather than fail the whole operation.
func (r *Router) ForTagOK(tag backend.Tag) (backend.Backend, bool) {
	return r.registry.Get(tag)
}

// RegisteredTags returns every backend tag registered with the router.
func (r *Router) RegisteredTags() []backend.Tag {
	return r.registry.Tags()
}
