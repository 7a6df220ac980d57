package common

var (
	Version = "dev"

	// PackageName is used as the Prometheus metrics namespace.
	PackageName = "stowage"
)
