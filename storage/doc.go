// Package storage provides the leaf backends of stowage and the helpers that
// operate on any interfaces.Storage[string].
//
// Every backend stores opaque byte streams under slash separated string
// identifiers:
//
//   - MemoryBackend keeps objects in a map, for tests and caches
//   - FileBackend maps identifiers to files below a root directory
//   - S3Backend uses Amazon S3 or a compatible service
//   - VaultBackend stores objects in a HashiCorp Vault KV v2 mount
//   - IPFSBackend writes into the mutable file system of an IPFS node
//   - BadgerBackend uses an embedded BadgerDB, on disk or in memory
//   - GitHubBackend reads the files of a GitHub repository (read-only)
//   - clients.StorageClient talks to another stowage gateway
//
// # Location URIs
//
// StorageBackendFactory creates backends from location URIs of the form
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//
//   - mem://name
//   - file:///var/lib/stowage or file://./relative/dir
//   - s3://[KEY:SECRET@]bucket/prefix?region=eu-west-1&endpoint=minio:9000&path_style=true
//   - vault://[token@]vault.example.com:8200/mount/path?tls=false&timeout=30s
//   - ipfs://127.0.0.1:5001/root?timeout=30s
//   - badger:///var/lib/stowage/kv or badger://memory
//   - github://[token@]owner/repo/dir?ref=main
//   - http://gateway:8080?timeout=30s (or https)
//
// Credentials in a URI are redacted whenever the location is logged.
//
// # Errors
//
// Backends classify their native failures into the sentinels of the
// interfaces package: a missing identifier is ErrNotFound, a refused request
// ErrPermissionDenied, a transport problem ErrConnection and a local stream
// failure ErrIo. Cancellation is returned as the context error.
//
// # Helpers
//
// Copy, CopyAs and the string and byte helpers move objects between any two
// storages. Migrate copies (or moves) a whole prefix with bounded
// concurrency, a conflict policy and optional digest verification.
package storage
