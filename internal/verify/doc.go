// Package verify checks downloaded payloads against the checksum and
// detached PGP signature companions published next to them.
package verify
