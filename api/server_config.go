package api

import (
	"crypto/tls"
	"log/slog"
	"time"
)

// HTTPServerConfig configures the object gateway.
type HTTPServerConfig struct {
	ListenAddr string
	// MetricsAddr is where /metrics is served. Empty disables the metrics server.
	MetricsAddr string
	EnablePprof bool
	Log         *slog.Logger

	// TLSCertificate switches the gateway to HTTPS when set.
	TLSCertificate *tls.Certificate

	// MaxObjectSize bounds PUT request bodies. Zero means unlimited.
	MaxObjectSize int64

	// DrainDuration is how long Shutdown keeps answering while /readyz
	// already reports not ready.
	DrainDuration time.Duration
	// GracefulShutdownDuration bounds the wait for in-flight requests.
	GracefulShutdownDuration time.Duration

	// ReadHeaderTimeout bounds reading request headers. Bodies are objects of
	// arbitrary size, so ReadTimeout and WriteTimeout default to zero
	// (unbounded) and are left to the operator.
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
}
