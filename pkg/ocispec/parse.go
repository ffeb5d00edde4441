package ocispec

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/pveshim/pkg/errs"
)

// SupportedMajorMinor lists the OCI ociVersion prefixes this shim accepts.
// Only the major.minor is checked; patch versions within a supported line
// are always compatible.
var SupportedMajorMinor = []string{"1.0"}

// ConfigFileName is the bundle-relative name of the runtime spec.
const ConfigFileName = "config.json"

// RootfsDirName is the conventional bundle-relative rootfs directory.
const RootfsDirName = "rootfs"

// Parse reads bundleDir/config.json and returns the populated Spec. It does
// not validate semantic invariants (see Validate); it only distinguishes
// the "missing file" and "malformed JSON" failure modes from §4.2.
func Parse(bundleDir string) (*specs.Spec, error) {
	path := filepath.Join(bundleDir, ConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Wrap(errs.KindSpec, err, "bundle config not found at %s", path)
		}
		return nil, errs.Wrap(errs.KindSpec, err, "failed to read bundle config at %s", path)
	}

	var spec specs.Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, errs.Wrap(errs.KindSpec, err, "malformed JSON in %s", path)
	}

	if !versionSupported(spec.Version) {
		return nil, errs.New(errs.KindSpec,
			"unsupported ociVersion %q, shim supports %v", spec.Version, SupportedMajorMinor).WithPath("ociVersion")
	}

	return &spec, nil
}

func versionSupported(version string) bool {
	for _, v := range SupportedMajorMinor {
		if strings.HasPrefix(version, v+".") || version == v {
			return true
		}
	}
	return false
}

// Emit serializes spec to path as indented JSON, matching the format a
// hand-authored config.json would use.
func Emit(spec *specs.Spec, path string) error {
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal spec: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
