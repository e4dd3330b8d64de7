// Package buildcachex provides a remote build-cache adapter that stores
// artifact blobs in a cloud object-storage bucket (Google Cloud Storage or
// AWS S3) or, for tests, on the local filesystem.
//
// The package is designed to be imported from the module root:
//
//	import "github.com/gostratum/buildcachex"
//
// Concrete backends live under `adapters/` and register themselves when
// imported with a blank import, e.g.:
//
//	import (
//	    "github.com/gostratum/buildcachex"
//	    _ "github.com/gostratum/buildcachex/adapters/filesystem"
//	    _ "github.com/gostratum/buildcachex/adapters/gcs"
//	    _ "github.com/gostratum/buildcachex/adapters/s3"
//	)
//
// Use the Fx module (`buildcachex.Module()`) or `buildcachex.New` to obtain a
// `*buildcachex.CacheService`. Load, Store and Delete degrade every backend
// failure into a cache miss; only configuration problems (unreachable bucket,
// unusable credentials) are reported as errors, from `New` and
// `ValidateConfiguration`.
package buildcachex
