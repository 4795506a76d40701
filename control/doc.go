// Package control holds the wsclient engine's ambient stack: immutable
// per-connection configuration, a hot-reloadable properties bag for
// deployment-level knobs, Prometheus metrics, and debug introspection.
//
// Author: momentics <momentics@gmail.com>
//
// Provides concurrent-safe state handling primitives including:
//   - Immutable ConnectionConfig built once per engine
//   - A dynamic ConfigStore with reload listeners for TLS verify overrides
//   - Per-engine Prometheus metrics registry
//   - Debug probe registration and state export
//
// RegisterPlatformProbes is defined only for Linux and Windows
// (platform_linux.go, platform_windows.go); on other platforms the
// package, and the engine that calls it, does not build.
package control
