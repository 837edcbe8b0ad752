// Package objectstore holds raw invoice documents under content-addressed
// locators. Engines fetch document bytes through it; re-ingesting the same
// bytes yields the same locator.
package objectstore

import "context"

// Store persists and retrieves immutable document blobs.
type Store interface {
	// Put stores data and returns its locator. Storing identical bytes
	// returns the same locator.
	Put(ctx context.Context, data []byte, contentType string) (string, error)
	// Get returns the blob and its content type for a locator.
	Get(ctx context.Context, locator string) ([]byte, string, error)
}
