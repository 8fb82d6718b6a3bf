// Package hatch bootstraps the assistant and gateway on a workstation.
//
// One run resolves the latest release (or clones the private repository),
// provisions both components into a staging directory next to the
// installation root, swaps it into place under an exclusive lock, links the
// runtime and CLI wrapper, and starts the components. When the release
// source answers not-found, the bootstrap is delegated to a recovery host.
package hatch
