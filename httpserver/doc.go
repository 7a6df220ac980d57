/*
Package httpserver serves a storage composite over HTTP.

The object routes are described in package api. Besides them the server
exposes the usual operational endpoints:

  - GET /livez - Liveness check
  - GET /readyz - Readiness check, 503 while draining
  - GET /drain - Mark the server as not ready
  - GET /undrain - Mark the server as ready again
  - /debug/pprof - Profiling, when enabled

Every response carries an X-Request-ID header, generated unless the client
sent one, and every request is logged through the structured logger.

Storage errors map to status codes as follows:

  - not found: 404
  - permission denied and read-only violations: 403
  - mirror failures: 502, with the per-backend outcome in the body
  - connection errors: 503
  - oversized uploads: 413
  - anything else: 500

GET responses are committed only once the storage produced the first byte.
The server speaks HTTPS when the config carries a TLS certificate.
Metrics are served by a separate server on MetricsAddr.
*/
package httpserver
