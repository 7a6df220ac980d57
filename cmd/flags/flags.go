package flags

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/stowage/api"
	"github.com/ruteri/stowage/common"
	"github.com/ruteri/stowage/cryptoutils"
	"github.com/ruteri/stowage/interfaces"
	"github.com/ruteri/stowage/metrics"
	"github.com/ruteri/stowage/storage"
	"github.com/ruteri/stowage/topology"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger) (*api.HTTPServerConfig, error) {
	cfg := &api.HTTPServerConfig{
		ListenAddr:               cCtx.String(ListenAddrFlag.Name),
		MetricsAddr:              cCtx.String(MetricsAddrFlag.Name),
		Log:                      logger,
		EnablePprof:              cCtx.Bool(PprofFlag.Name),
		MaxObjectSize:            cCtx.Int64(MaxObjectSizeFlag.Name),
		DrainDuration:            time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadHeaderTimeout:        10 * time.Second,
	}

	certFile, keyFile := cCtx.String(TLSCertFileFlag.Name), cCtx.String(TLSKeyFileFlag.Name)
	switch {
	case certFile != "" || keyFile != "":
		cert, err := cryptoutils.LoadKeyPair(certFile, keyFile)
		if err != nil {
			return nil, err
		}
		cfg.TLSCertificate = cert
	case cCtx.Bool(TLSSelfSignedFlag.Name):
		host, _, err := net.SplitHostPort(cfg.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("invalid listen address: %w", err)
		}
		cert, err := cryptoutils.RandomCert(host)
		if err != nil {
			return nil, fmt.Errorf("could not generate random tls cert: %w", err)
		}
		cfg.TLSCertificate = &cert
	}

	if cfg.TLSCertificate != nil {
		pin, err := cryptoutils.PubkeyPin(*cfg.TLSCertificate)
		if err != nil {
			return nil, err
		}
		logger.Info("Serving over TLS", slog.String("pin", pin))
	}
	return cfg, nil
}

// OpenStorage builds the storage selected by --config or --storage-uri.
// Degraded mutations are logged as warnings.
func OpenStorage(cCtx *cli.Context, logger *slog.Logger, m *metrics.StorageMetrics) (*topology.Topology, error) {
	cfg, err := storageConfig(cCtx.String(ConfigFlag.Name), cCtx.String(StorageURIFlag.Name))
	if err != nil {
		return nil, err
	}
	return topology.Build(cfg, storage.NewStorageBackendFactory(logger), topology.BuildOptions{
		Log:     logger,
		Metrics: m,
		OnDegraded: func(ctx context.Context, op string, id any, outcome *interfaces.Outcome) {
			logger.Warn("Storage operation degraded",
				slog.String("op", op),
				slog.Any("id", id),
				slog.Any("failed", outcome.FailedIndices()))
		},
	})
}

// OpenStorageFrom builds a storage from either a topology file or a single
// location URI, for commands that address more than one storage.
func OpenStorageFrom(logger *slog.Logger, configPath, uri string) (*topology.Topology, error) {
	cfg, err := storageConfig(configPath, uri)
	if err != nil {
		return nil, err
	}
	return topology.Build(cfg, storage.NewStorageBackendFactory(logger), topology.BuildOptions{Log: logger})
}

func storageConfig(configPath, uri string) (*topology.Config, error) {
	switch {
	case configPath != "" && uri != "":
		return nil, fmt.Errorf("only one of a topology file and a storage URI may be given")
	case configPath != "":
		return topology.Load(configPath)
	case uri != "":
		return &topology.Config{Storage: topology.Node{Type: topology.TypeLeaf, URI: uri}}, nil
	default:
		return nil, fmt.Errorf("either --%s or --%s is required", ConfigFlag.Name, StorageURIFlag.Name)
	}
}

var ConfigFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	EnvVars: []string{"STOWAGE_CONFIG"},
	Usage:   "YAML storage topology file",
}

var StorageURIFlag = &cli.StringFlag{
	Name:    "storage-uri",
	EnvVars: []string{"STOWAGE_STORAGE_URI"},
	Usage:   "single storage location URI, used instead of a topology file",
}

var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for API",
}

var MaxObjectSizeFlag = &cli.Int64Flag{
	Name:  "max-object-size",
	Value: 0,
	Usage: "maximum accepted upload size in bytes, 0 for no limit",
}

var TLSCertFileFlag = &cli.StringFlag{
	Name:  "tls-cert-file",
	Usage: "PEM certificate to serve HTTPS with",
}

var TLSKeyFileFlag = &cli.StringFlag{
	Name:  "tls-key-file",
	Usage: "PEM private key of --tls-cert-file",
}

var TLSSelfSignedFlag = &cli.BoolFlag{
	Name:  "tls-self-signed",
	Value: false,
	Usage: "serve HTTPS with a random self-signed certificate; clients pin the logged key hash",
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	LogServiceFlagFn(common.PackageName),
}

var StorageFlags = []cli.Flag{
	ConfigFlag,
	StorageURIFlag,
}

var ServerFlags = []cli.Flag{
	ListenAddrFlag,
	MaxObjectSizeFlag,
	TLSCertFileFlag,
	TLSKeyFileFlag,
	TLSSelfSignedFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}
