// Package release resolves the latest published release of a repository and
// selects its artifacts by name prefix.
package release
