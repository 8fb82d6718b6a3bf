// Package bootstrap holds the domain model shared by every bootstrap stage:
// releases, artifacts, provisioned components and the failure kinds that
// drive cleanup and recovery decisions.
package bootstrap
