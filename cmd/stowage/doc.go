// Package main (cmd/stowage) is the command line front end of stowage.
//
// The storage to operate on is either a YAML topology file (--config) or a
// single location URI (--storage-uri). The serve command exposes it over HTTP
// together with health, drain and metrics endpoints. The remaining commands
// operate on it directly:
//
//	stowage --config topology.yaml serve --listen-addr=0.0.0.0:8080
//	stowage --storage-uri file:///var/lib/stowage put reports/q3.pdf ./q3.pdf
//	stowage --storage-uri http://gateway:8080 get reports/q3.pdf > q3.pdf
//	stowage --config topology.yaml ls reports/
//	stowage migrate --from file:///old --to-config topology.yaml --verify --delete-source
//
// With --tls-self-signed the gateway logs the pin of its random key, and
// clients reach it as https://gateway:8443?pin=<hex>.
//
// The server shuts down gracefully on SIGINT or SIGTERM, waiting for pending
// background mirror writes before releasing the backends.
package main
