// Package provision unpacks component archives and runs the dependency
// manager inside the resulting directories.
//
// Supported payloads are gzip or zstd compressed tarballs and zip files,
// detected by their magic bytes rather than by name.
package provision
