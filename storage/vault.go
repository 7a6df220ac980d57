package storage

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/stowage/interfaces"
)

// maxVaultObjectSize bounds what is read into memory for a single KV entry.
const maxVaultObjectSize = 16 << 20

// VaultConfig holds the connection settings of a VaultBackend.
type VaultConfig struct {
	// Address is the Vault server address (e.g. https://vault.example.com:8200).
	Address string
	// MountPath is the KV v2 mount (e.g. "secret").
	MountPath string
	// DataPath is the path within the mount under which objects are stored.
	DataPath string
	// Token authenticates requests when set.
	Token string
	// ClientCert enables TLS client certificate authentication when set.
	ClientCert *tls.Certificate
	// Timeout bounds every HTTP request. Defaults to 30s.
	Timeout time.Duration
}

// VaultBackend implements a storage backend using the HashiCorp Vault KV v2
// secrets engine. Object bytes are stored base64 encoded under the "content"
// key of each secret.
type VaultBackend struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// NewVaultBackend creates a new Vault storage backend.
func NewVaultBackend(cfg VaultConfig, log *slog.Logger) (*VaultBackend, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	config := api.DefaultConfig()
	config.Address = cfg.Address
	if cfg.ClientCert != nil {
		config.HttpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					Certificates: []tls.Certificate{*cfg.ClientCert},
				},
			},
			Timeout: cfg.Timeout,
		}
	} else {
		config.Timeout = cfg.Timeout
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	mountPath := strings.Trim(cfg.MountPath, "/")
	if mountPath == "" {
		mountPath = "secret"
	}
	dataPath := strings.Trim(cfg.DataPath, "/")

	return &VaultBackend{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", strings.TrimPrefix(strings.TrimPrefix(cfg.Address, "https://"), "http://"), mountPath, dataPath),
	}, nil
}

// Exists reports whether a live (not deleted) secret is stored under id.
func (b *VaultBackend) Exists(ctx context.Context, id string) (bool, error) {
	_, err := b.read(ctx, id)
	if errors.Is(err, interfaces.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Put reads src (bounded) and writes it as a new secret version.
func (b *VaultBackend) Put(ctx context.Context, id string, src io.Reader, sizeHint int64) error {
	if sizeHint > maxVaultObjectSize {
		return fmt.Errorf("%w: %s: %d bytes exceeds the Vault object limit", interfaces.ErrPermissionDenied, id, sizeHint)
	}
	data, err := io.ReadAll(io.LimitReader(src, maxVaultObjectSize+1))
	if err != nil {
		return fmt.Errorf("%w: reading source for %s: %w", interfaces.ErrIo, id, err)
	}
	if len(data) > maxVaultObjectSize {
		return fmt.Errorf("%w: %s exceeds the Vault object limit", interfaces.ErrPermissionDenied, id)
	}

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"content": base64.StdEncoding.EncodeToString(data),
		},
	}

	path := b.secretPath("data", id)
	if _, err := b.client.Logical().WriteWithContext(ctx, path, secretData); err != nil {
		b.log.Error("Failed to write to Vault",
			slog.String("path", path),
			"err", err)
		return classifyVaultError(id, err)
	}

	b.log.Debug("Stored object in Vault",
		slog.String("path", path),
		slog.Int("size", len(data)))
	return nil
}

// GetInto decodes the stored secret and writes it to sink.
func (b *VaultBackend) GetInto(ctx context.Context, id string, sink io.Writer) (int64, error) {
	data, err := b.read(ctx, id)
	if err != nil {
		return 0, err
	}
	n, err := sink.Write(data)
	if err != nil {
		return int64(n), fmt.Errorf("%w: writing %s: %w", interfaces.ErrIo, id, err)
	}
	return int64(n), nil
}

// Delete removes every version and the metadata of the secret.
func (b *VaultBackend) Delete(ctx context.Context, id string) error {
	path := b.secretPath("metadata", id)
	if _, err := b.client.Logical().DeleteWithContext(ctx, path); err != nil {
		classified := classifyVaultError(id, err)
		if errors.Is(classified, interfaces.ErrNotFound) {
			return nil
		}
		return classified
	}
	return nil
}

// List walks the metadata tree depth first, starting at the deepest folder
// the prefix names.
func (b *VaultBackend) List(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		dir := ""
		if i := strings.LastIndex(prefix, "/"); i >= 0 {
			dir = prefix[:i+1]
		}
		b.walk(ctx, dir, prefix, yield)
	}
}

func (b *VaultBackend) walk(ctx context.Context, dir, prefix string, yield func(string, error) bool) bool {
	secret, err := b.client.Logical().ListWithContext(ctx, b.secretPath("metadata", dir))
	if err != nil {
		classified := classifyVaultError(dir, err)
		if errors.Is(classified, interfaces.ErrNotFound) {
			return true
		}
		return yield("", classified)
	}
	if secret == nil || secret.Data == nil {
		return true
	}

	keys, _ := secret.Data["keys"].([]interface{})
	for _, k := range keys {
		name, ok := k.(string)
		if !ok {
			continue
		}
		full := dir + name
		if strings.HasSuffix(name, "/") {
			if !strings.HasPrefix(full, prefix) && !strings.HasPrefix(prefix, full) {
				continue
			}
			if !b.walk(ctx, full, prefix, yield) {
				return false
			}
			continue
		}
		if !strings.HasPrefix(full, prefix) {
			continue
		}
		if !yield(full, nil) {
			return false
		}
	}
	return true
}

// LocationURI returns the URI that identifies this storage backend.
func (b *VaultBackend) LocationURI() string {
	return b.locationURI
}

func (b *VaultBackend) read(ctx context.Context, id string) ([]byte, error) {
	path := b.secretPath("data", id)
	secret, err := b.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, classifyVaultError(id, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrNotFound, id)
	}

	// A soft-deleted version reports data as null.
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok || data == nil {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrNotFound, id)
	}

	content, ok := data["content"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid content format in Vault data for %s", id)
	}

	decoded, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %w", interfaces.ErrIo, id, err)
	}
	return decoded, nil
}

// secretPath builds a KV v2 path: {mount}/{kind}/{dataPath}/{id}.
func (b *VaultBackend) secretPath(kind, id string) string {
	parts := []string{b.mountPath, kind}
	if b.dataPath != "" {
		parts = append(parts, b.dataPath)
	}
	if id != "" {
		parts = append(parts, strings.TrimSuffix(id, "/"))
	}
	return strings.Join(parts, "/")
}

func classifyVaultError(id string, err error) error {
	var respErr *api.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case respErr.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %s", interfaces.ErrNotFound, id)
		case respErr.StatusCode == http.StatusForbidden || respErr.StatusCode == http.StatusUnauthorized:
			return fmt.Errorf("%w: %s: %v", interfaces.ErrPermissionDenied, id, err)
		case respErr.StatusCode >= http.StatusInternalServerError:
			// Sealed and standby nodes answer 503.
			return fmt.Errorf("%w: %s: %v", interfaces.ErrConnection, id, err)
		}
	}

	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return fmt.Errorf("%w: %s: %v", interfaces.ErrConnection, id, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return fmt.Errorf("vault %s: %w", id, err)
}

var _ interfaces.Storage[string] = (*VaultBackend)(nil)
