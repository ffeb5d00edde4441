// Package ocispec is the typed in-memory representation of an OCI runtime
// bundle's config.json (§3.1 of the design). It deliberately does not
// invent its own schema: the in-memory Spec *is* specs.Spec from
// opencontainers/runtime-spec, so a parsed bundle, a translated backend
// config, and a round-tripped default skeleton all share one type family
// instead of a hand-rolled mirror of the OCI JSON.
//
// Parse is total and side-effect free: it reads config.json, rejects
// unsupported ociVersions, and returns a *specs.Spec. Validate is a
// separate pass applied before any side effect runs, matching the
// "validation is a separate pass over the populated structure" design
// note.
package ocispec
