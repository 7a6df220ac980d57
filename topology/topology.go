// Package topology builds a storage composite tree from a YAML description.
//
// Example:
//
//	storage:
//	  type: readonly
//	  inner:
//	    type: mirror
//	    strategy: all_or_fail
//	    rollback: true
//	    backend_timeout: 5s
//	    backends:
//	      - type: fallback
//	        primary:   { uri: "file:///var/lib/stowage" }
//	        secondary: { uri: "s3://${S3_KEY}:${S3_SECRET}@bucket/stowage?region=eu-west-1" }
//	      - uri: "badger:///var/lib/stowage-kv"
//
// A node without a type but with a uri is a leaf. ${VAR} references are
// expanded from the environment before parsing.
package topology

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/ruteri/stowage/interfaces"
	"github.com/ruteri/stowage/metrics"
	"github.com/ruteri/stowage/storage"
	"github.com/ruteri/stowage/storage/multi"
	"gopkg.in/yaml.v3"
)

// Node types.
const (
	TypeLeaf      = "leaf"
	TypeFallback  = "fallback"
	TypeMirror    = "mirror"
	TypeReadOnly  = "readonly"
	TypeThreshold = "threshold"
)

// ErrInvalidTopology is returned for descriptions that cannot be built.
var ErrInvalidTopology = errors.New("invalid storage topology")

type Config struct {
	Storage Node `yaml:"storage"`
}

// Node describes one storage in the tree.
type Node struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`

	// leaf
	URI string `yaml:"uri"`

	// fallback
	Primary      *Node `yaml:"primary"`
	Secondary    *Node `yaml:"secondary"`
	WriteThrough bool  `yaml:"write_through"`

	// readonly
	Inner *Node `yaml:"inner"`

	// mirror and threshold
	Backends []Node `yaml:"backends"`

	// mirror
	Strategy       string `yaml:"strategy"`
	Rollback       bool   `yaml:"rollback"`
	ReadOrder      []int  `yaml:"read_order"`
	ReturnPolicy   string `yaml:"return_policy"`
	BackendTimeout string `yaml:"backend_timeout"`
	ParallelWrites bool   `yaml:"parallel_writes"`
	SpoolThreshold int64  `yaml:"spool_threshold"`

	// threshold
	Threshold int `yaml:"threshold"`
}

// Load reads a topology file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology: %w", err)
	}
	return Parse(data)
}

// Parse parses a topology document, expanding environment variables.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse topology: %w", err)
	}
	return cfg, nil
}

// BuildOptions carries the ambient dependencies handed to every composite.
type BuildOptions struct {
	Log        *slog.Logger
	Metrics    *metrics.StorageMetrics
	OnDegraded multi.DegradedHandler
}

// Topology is a built storage tree.
type Topology struct {
	Root interfaces.Storage[string]

	mirrors []*multi.MirrorStorage[string]
	closers []io.Closer
}

// Close waits for background mirror writes and releases leaf resources.
func (t *Topology) Close() error {
	for _, m := range t.mirrors {
		m.WaitBackground()
	}
	var result *multierror.Error
	for _, c := range t.closers {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Build creates the storage described by cfg. Leaves are created with factory.
func Build(cfg *Config, factory *storage.StorageBackendFactory, opts BuildOptions) (*Topology, error) {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	b := &builder{factory: factory, opts: opts, topology: &Topology{}}
	root, err := b.build(&cfg.Storage, "storage")
	if err != nil {
		b.topology.Close()
		return nil, err
	}
	b.topology.Root = root
	return b.topology, nil
}

type builder struct {
	factory  *storage.StorageBackendFactory
	opts     BuildOptions
	topology *Topology
}

func (b *builder) build(n *Node, path string) (interfaces.Storage[string], error) {
	if n == nil {
		return nil, fmt.Errorf("%w: %s: missing node", ErrInvalidTopology, path)
	}

	nodeType := n.Type
	if nodeType == "" && n.URI != "" {
		nodeType = TypeLeaf
	}
	name := n.Name
	if name == "" {
		name = path
	}

	switch nodeType {
	case TypeLeaf:
		return b.buildLeaf(n, path)
	case TypeFallback:
		primary, err := b.build(n.Primary, path+".primary")
		if err != nil {
			return nil, err
		}
		secondary, err := b.build(n.Secondary, path+".secondary")
		if err != nil {
			return nil, err
		}
		return multi.NewFallbackStorage(primary, secondary, b.compositeOptions(n, name)...), nil
	case TypeReadOnly:
		inner, err := b.build(n.Inner, path+".inner")
		if err != nil {
			return nil, err
		}
		return multi.NewReadOnlyStorage(inner, b.compositeOptions(n, name)...), nil
	case TypeMirror:
		return b.buildMirror(n, path, name)
	case TypeThreshold:
		backends, err := b.buildChildren(n, path)
		if err != nil {
			return nil, err
		}
		ts, err := multi.NewThresholdStorage(backends, n.Threshold, b.compositeOptions(n, name)...)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTopology, path, err)
		}
		return ts, nil
	default:
		return nil, fmt.Errorf("%w: %s: unknown node type %q", ErrInvalidTopology, path, n.Type)
	}
}

func (b *builder) buildLeaf(n *Node, path string) (interfaces.Storage[string], error) {
	if n.URI == "" {
		return nil, fmt.Errorf("%w: %s: leaf without uri", ErrInvalidTopology, path)
	}
	leaf, err := b.factory.StorageBackendForURI(n.URI)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if c, ok := leaf.(io.Closer); ok {
		b.topology.closers = append(b.topology.closers, c)
	}
	return leaf, nil
}

func (b *builder) buildMirror(n *Node, path, name string) (interfaces.Storage[string], error) {
	backends, err := b.buildChildren(n, path)
	if err != nil {
		return nil, err
	}

	strategy, err := multi.ParseWriteStrategy(n.Strategy, n.Rollback)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTopology, path, err)
	}
	policy, err := multi.ParseReturnPolicy(n.ReturnPolicy)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTopology, path, err)
	}
	var timeout time.Duration
	if n.BackendTimeout != "" {
		timeout, err = time.ParseDuration(n.BackendTimeout)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: backend_timeout: %v", ErrInvalidTopology, path, err)
		}
	}

	mb := multi.NewMirrorBuilder[string]().
		WithBackends(backends...).
		WithWriteStrategy(strategy).
		WithReturnPolicy(policy).
		WithBackendTimeout(timeout).
		WithParallelWrites(n.ParallelWrites).
		WithSpoolThreshold(n.SpoolThreshold).
		WithLogger(b.opts.Log).
		WithMetrics(b.opts.Metrics).
		WithName(name)
	if len(n.ReadOrder) > 0 {
		mb = mb.WithReadOrder(n.ReadOrder...)
	}
	if b.opts.OnDegraded != nil {
		mb = mb.WithDegradedHandler(b.opts.OnDegraded)
	}

	mirror, err := mb.Build()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTopology, path, err)
	}
	b.topology.mirrors = append(b.topology.mirrors, mirror)
	return mirror, nil
}

func (b *builder) buildChildren(n *Node, path string) ([]interfaces.Storage[string], error) {
	children := make([]interfaces.Storage[string], 0, len(n.Backends))
	for i := range n.Backends {
		child, err := b.build(&n.Backends[i], fmt.Sprintf("%s.backends[%d]", path, i))
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}

func (b *builder) compositeOptions(n *Node, name string) []multi.Option {
	opts := []multi.Option{
		multi.WithName(name),
		multi.WithLogger(b.opts.Log),
		multi.WithMetrics(b.opts.Metrics),
		multi.WithWriteThrough(n.WriteThrough),
	}
	if n.SpoolThreshold > 0 {
		opts = append(opts, multi.WithSpoolThreshold(n.SpoolThreshold))
	}
	if b.opts.OnDegraded != nil {
		opts = append(opts, multi.WithDegradedHandler(b.opts.OnDegraded))
	}
	return opts
}
