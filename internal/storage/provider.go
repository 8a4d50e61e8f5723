// Package storage keeps binary blobs (media assets, inbox files) on disk.
package storage

import "github.com/starford/strata/internal/models"

// Provider is the interface for blob file operations. Paths are relative
// to the provider root.
type Provider interface {
	// List returns metadata for files under dir. When exts is non-empty only
	// files with one of those extensions are returned.
	List(dir string, exts ...string) ([]models.BlobInfo, error)
	// Read returns the raw bytes of the file at path.
	Read(path string) ([]byte, error)
	// Write atomically writes content to path.
	Write(path string, content []byte) error
	// Exists reports whether a regular file is present at path.
	Exists(path string) bool
	// Delete removes the file at path.
	Delete(path string) error
}
