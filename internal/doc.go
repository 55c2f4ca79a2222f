// Package internal contains the implementation packages of the devserve CLI.
//
// # Package Organization
//
//   - watcher: fsnotify monitoring with glob filters and event coalescing
//   - build: change resolution, per-artifact build scheduling and compilers
//   - reload: client registry, wire messages, websocket handler and client script
//   - network: reachability state of the upstream origin and its recovery probe
//   - proxy: reverse proxy that reports upstream status and injects the client script
//   - server: DevServer wiring and the HTTP surface
//   - config, logging, errors, metrics, validation, version: ambient support
//   - scaffolding: starter sites for devserve init
//
// # Data Flow
//
// A file event from the watcher is resolved by build.Graph to the artifacts
// it affects. The build.Coordinator compiles each one, at most once at a time
// per artifact, and publishes a completion. The server turns completions and
// network transitions into reload messages that the broadcaster sends to
// every connected browser.
package internal
