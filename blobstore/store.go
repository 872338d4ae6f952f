// Package blobstore persists index artifacts and hands out download URLs
// for them.
package blobstore

import (
	"context"
	"time"

	"github.com/jiggy-ai/jiggy-ann-api/core"
)

// ErrNotFound is returned when an object does not exist. It matches
// core.ErrNotFound under errors.Is.
var ErrNotFound = core.ErrNotFound

// Store is an object store for build artifacts. Delete of a missing key
// succeeds.
type Store interface {
	core.ObjectStore
	Get(ctx context.Context, key string) ([]byte, error)
}

// URLSigner produces time limited download URLs
type URLSigner interface {
	DownloadURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// SigningStore is a Store that can also sign download URLs
type SigningStore interface {
	Store
	URLSigner
}
