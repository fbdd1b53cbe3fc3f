// Package version exposes the build-time version string, overridable
// via -ldflags "-X .../internal/version.version=...".
package version

var version = "dev"

// Value returns the build version, or "dev" when built without ldflags.
func Value() string {
	return version
}
