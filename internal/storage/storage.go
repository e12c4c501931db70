// Package storage is the folder-structured blob store documents are filed
// into.
package storage

import (
	"context"
	"time"
)

// Entry is one item of a folder listing.
type Entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"` // locator, slash separated
	IsDir   bool      `json:"is_dir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Storage is the blob store collaborator. Paths and locators are slash
// separated and relative to the store root. Failures are reported as
// *document.StorageError.
type Storage interface {
	CreateFolder(ctx context.Context, path string) error
	PutFile(ctx context.Context, path string, data []byte) (locator string, err error)
	ListFolder(ctx context.Context, path string) ([]Entry, error)
	DeleteFile(ctx context.Context, locator string) error
	ReadFile(ctx context.Context, locator string) ([]byte, error)
}
