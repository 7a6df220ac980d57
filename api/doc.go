/*
Package api holds the wire types and server configuration of the stowage
object gateway.

The gateway exposes a single storage composite over HTTP:

	HEAD   /api/objects/{id}     exists (200 or 404)
	GET    /api/objects/{id}     stream the object
	PUT    /api/objects/{id}     store the request body (Content-Length is the size hint)
	DELETE /api/objects/{id}     idempotent delete
	GET    /api/objects?prefix=  list identifiers as {"keys": [...]}

Failures are returned as an ErrorResponse whose "kind" field carries the
storage error classification. A failed mirrored write additionally carries
the per-backend outcome. A GET that fails after the first byte was sent
reports the error kind in the X-Stowage-Stream-Error trailer.

The clients subpackage implements the storage contract on top of these
routes, so a remote gateway can be used as a leaf of another composite.
*/
package api
