// Package clients provides an HTTP client for the stowage object gateway that
// satisfies the storage contract.
package clients
