// Package dataset declares the narrow interface the LXC backend consumes
// for ZFS-backed rootfs cloning. ZFS pool administration itself is out of
// scope for this shim (§1): we only consume a dataset manager, we don't
// implement one. Unsupported, a Manager that rejects every call with an
// error, is provided for hosts without a ZFS backend wired in.
package dataset

import "context"

// Manager clones and removes ZFS datasets used as container rootfs.
type Manager interface {
	// Clone creates a new dataset at name from snapshot origin, returning
	// the host filesystem path the clone is mounted at.
	Clone(ctx context.Context, origin, name string, sizeBytes int64) (mountPath string, err error)
	// Destroy removes the dataset created by a prior Clone.
	Destroy(ctx context.Context, name string) error
}

// Unsupported is a Manager that rejects every operation, used when no
// dataset backend is configured so ZFS-annotated bundles fail fast with a
// clear error instead of silently falling back to a bind mount.
type Unsupported struct{}

func (Unsupported) Clone(context.Context, string, string, int64) (string, error) {
	return "", errNoDatasetManager
}

func (Unsupported) Destroy(context.Context, string) error {
	return errNoDatasetManager
}

var errNoDatasetManager = unsupportedError("no ZFS dataset manager configured")

type unsupportedError string

func (e unsupportedError) Error() string { return string(e) }
