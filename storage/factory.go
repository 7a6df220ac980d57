package storage

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ruteri/stowage/api/clients"
	"github.com/ruteri/stowage/cryptoutils"
	"github.com/ruteri/stowage/interfaces"
)

// StorageBackendFactory creates leaf storage backends from location URIs.
type StorageBackendFactory struct {
	log *slog.Logger
}

// NewStorageBackendFactory creates a new factory instance that can create storage backends.
func NewStorageBackendFactory(logger *slog.Logger) *StorageBackendFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &StorageBackendFactory{
		log: logger,
	}
}

// StorageBackendFor creates a storage backend from a location URI.
// The URI format should be [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - mem://name - In-memory storage
//   - file:// - Local filesystem storage
//   - s3:// - Amazon S3 or compatible object storage
//   - vault:// - HashiCorp Vault KV v2
//   - ipfs:// - IPFS mutable file system
//   - badger:// - Embedded BadgerDB
//   - github:// - Files of a GitHub repository, read-only
//   - http:// and https:// - A remote stowage gateway
//
// Returns an error if the URI is invalid or the scheme is unsupported.
func (sf *StorageBackendFactory) StorageBackendFor(loc interfaces.StorageBackendLocation) (interfaces.Storage[string], error) {
	switch loc.Scheme {
	case "mem":
		return sf.createMemoryBackend(loc)
	case "file":
		return sf.createFileBackend(loc)
	case "s3":
		return sf.createS3Backend(loc)
	case "vault":
		return sf.createVaultBackend(loc)
	case "ipfs":
		return sf.createIPFSBackend(loc)
	case "badger":
		return sf.createBadgerBackend(loc)
	case "github":
		return sf.createGitHubBackend(loc)
	case "http", "https":
		return sf.createGatewayClient(loc)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme: %s", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

// StorageBackendForURI parses uri and creates the backend it names.
func (sf *StorageBackendFactory) StorageBackendForURI(uri string) (interfaces.Storage[string], error) {
	loc, err := interfaces.NewStorageBackendLocation(uri)
	if err != nil {
		return nil, err
	}
	return sf.StorageBackendFor(loc)
}

// createMemoryBackend creates an in-memory backend.
// URI format: mem://name
func (sf *StorageBackendFactory) createMemoryBackend(loc interfaces.StorageBackendLocation) (interfaces.Storage[string], error) {
	name := loc.Host
	if name == "" {
		name = "memory"
	}
	return NewMemoryBackend(name, sf.log.With(slog.String("backend", loc.String()))), nil
}

// createFileBackend creates a file system storage backend.
// URI format: file:///absolute/path/ or file://./relative/path/
func (sf *StorageBackendFactory) createFileBackend(loc interfaces.StorageBackendLocation) (interfaces.Storage[string], error) {
	sf.log.Debug("Creating file backend", slog.String("uri", loc.String()))

	path := loc.Path
	if loc.Host != "" {
		path = loc.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI: %s", interfaces.ErrInvalidLocationURI, loc)
	}

	return NewFileBackend(path, sf.log.With(slog.String("backend", loc.String())))
}

// createS3Backend creates an S3 or S3-compatible storage backend.
// URI format: s3://[ACCESS_KEY:SECRET_KEY@]bucket-name/path/?region=us-west-2&endpoint=custom.s3.com&path_style=true
func (sf *StorageBackendFactory) createS3Backend(loc interfaces.StorageBackendLocation) (interfaces.Storage[string], error) {
	sf.log.Debug("Creating S3 backend", slog.String("uri", loc.String()))

	cfg := S3Config{
		Bucket:    loc.Host,
		Prefix:    strings.TrimPrefix(loc.Path, "/"),
		Region:    loc.GetParamDefault("region", "us-east-1"),
		Endpoint:  loc.GetParam("endpoint"),
		PathStyle: loc.GetParamBool("path_style"),
	}
	if loc.User != nil {
		cfg.AccessKey = loc.User.Username()
		cfg.SecretKey, _ = loc.User.Password()
	}

	return NewS3Backend(cfg, sf.log.With(slog.String("backend", loc.String())))
}

// createVaultBackend creates a Vault KV v2 storage backend.
// URI format: vault://[token@]host:port/mount/path?tls=false&timeout=30s&cert_file=client.pem&key_file=client.key
func (sf *StorageBackendFactory) createVaultBackend(loc interfaces.StorageBackendLocation) (interfaces.Storage[string], error) {
	sf.log.Debug("Creating Vault backend", slog.String("uri", loc.String()))

	if loc.Host == "" {
		return nil, fmt.Errorf("%w: missing Vault address", interfaces.ErrInvalidLocationURI)
	}

	scheme := "https"
	if loc.GetParam("tls") == "false" {
		scheme = "http"
	}

	mount, dataPath, _ := strings.Cut(strings.Trim(loc.Path, "/"), "/")

	timeout, err := parseDurationParam(loc, "timeout", 30*time.Second)
	if err != nil {
		return nil, err
	}

	cfg := VaultConfig{
		Address:   fmt.Sprintf("%s://%s", scheme, loc.Host),
		MountPath: mount,
		DataPath:  dataPath,
		Timeout:   timeout,
	}
	if loc.User != nil {
		cfg.Token = loc.User.Username()
	}
	if certFile, keyFile := loc.GetParam("cert_file"), loc.GetParam("key_file"); certFile != "" || keyFile != "" {
		cfg.ClientCert, err = cryptoutils.LoadKeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("%w: vault client certificate: %v", interfaces.ErrInvalidLocationURI, err)
		}
	}

	return NewVaultBackend(cfg, sf.log.With(slog.String("backend", loc.String())))
}

// createIPFSBackend creates an IPFS storage backend.
// URI format: ipfs://host:port/root?timeout=30s
func (sf *StorageBackendFactory) createIPFSBackend(loc interfaces.StorageBackendLocation) (interfaces.Storage[string], error) {
	sf.log.Debug("Creating IPFS backend", slog.String("uri", loc.String()))

	u, err := url.Parse(loc.Raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}

	timeout, err := parseDurationParam(loc, "timeout", 30*time.Second)
	if err != nil {
		return nil, err
	}

	return NewIPFSBackend(u.Hostname(), u.Port(), loc.Path, timeout, sf.log.With(slog.String("backend", loc.String())))
}

// createBadgerBackend opens an embedded BadgerDB.
// URI format: badger:///absolute/dir, badger://./relative/dir or badger://memory
func (sf *StorageBackendFactory) createBadgerBackend(loc interfaces.StorageBackendLocation) (interfaces.Storage[string], error) {
	sf.log.Debug("Creating badger backend", slog.String("uri", loc.String()))

	dir := loc.Path
	switch {
	case loc.Host == "memory" && loc.Path == "":
		dir = ""
	case loc.Host != "":
		dir = loc.Host + "/" + strings.TrimPrefix(loc.Path, "/")
	case dir == "":
		return nil, fmt.Errorf("%w: empty path in badger URI: %s", interfaces.ErrInvalidLocationURI, loc)
	}

	return NewBadgerBackend(dir, sf.log.With(slog.String("backend", loc.String())))
}

// createGitHubBackend creates a read-only view of a repository directory.
// URI format: github://[token@]owner/repo[/dir]?ref=main&api_url=https://ghe.example.com/api/v3
func (sf *StorageBackendFactory) createGitHubBackend(loc interfaces.StorageBackendLocation) (interfaces.Storage[string], error) {
	sf.log.Debug("Creating GitHub backend", slog.String("uri", loc.String()))

	repo, root, _ := strings.Cut(strings.Trim(loc.Path, "/"), "/")
	timeout, err := parseDurationParam(loc, "timeout", 30*time.Second)
	if err != nil {
		return nil, err
	}

	cfg := GitHubConfig{
		Owner:   loc.Host,
		Repo:    repo,
		Ref:     loc.GetParam("ref"),
		Root:    root,
		APIURL:  loc.GetParam("api_url"),
		Timeout: timeout,
	}
	if loc.User != nil {
		cfg.Token = loc.User.Username()
	}

	return NewGitHubBackend(cfg, sf.log.With(slog.String("backend", loc.String())))
}

// createGatewayClient creates a client for a remote stowage gateway.
// URI format: http://host:port?timeout=30s or https://host:port?pin=<hex>
func (sf *StorageBackendFactory) createGatewayClient(loc interfaces.StorageBackendLocation) (interfaces.Storage[string], error) {
	timeout, err := parseDurationParam(loc, "timeout", 30*time.Second)
	if err != nil {
		return nil, err
	}
	addr := fmt.Sprintf("%s://%s%s", loc.Scheme, loc.Host, strings.TrimRight(loc.Path, "/"))
	client := clients.NewStorageClient(addr, timeout)

	if pin := loc.GetParam("pin"); pin != "" {
		if loc.Scheme != "https" {
			return nil, fmt.Errorf("%w: pin requires https", interfaces.ErrInvalidLocationURI)
		}
		tlsConfig, err := cryptoutils.PinnedTLSConfig(pin)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = tlsConfig
		client.HTTPClient.Transport = transport
	}
	return client, nil
}

func parseDurationParam(loc interfaces.StorageBackendLocation, name string, def time.Duration) (time.Duration, error) {
	raw := loc.GetParam(name)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s %q: %v", interfaces.ErrInvalidLocationURI, name, raw, err)
	}
	return d, nil
}
