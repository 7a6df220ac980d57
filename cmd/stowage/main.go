package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/stowage/cmd/flags"
	"github.com/ruteri/stowage/common"
	"github.com/ruteri/stowage/httpserver"
	"github.com/ruteri/stowage/interfaces"
	"github.com/ruteri/stowage/metrics"
	"github.com/ruteri/stowage/storage"
	"github.com/ruteri/stowage/topology"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:    "stowage",
		Usage:   "Compose storage backends and serve or operate on them",
		Version: common.Version,
		Flags:   append(append([]cli.Flag{}, flags.CommonFlags...), flags.StorageFlags...),
		Commands: []*cli.Command{
			serveCommand,
			putCommand,
			getCommand,
			existsCommand,
			rmCommand,
			lsCommand,
			migrateCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "Serve the configured storage over HTTP",
	Flags: flags.ServerFlags,
	Action: func(cCtx *cli.Context) error {
		logger := flags.SetupLogger(cCtx)
		cfg, err := flags.ConfigureServer(cCtx, logger)
		if err != nil {
			logger.Error("Invalid server configuration", "err", err)
			return err
		}

		var metricsSrv *metrics.MetricsServer
		var storageMetrics *metrics.StorageMetrics
		if cfg.MetricsAddr != "" {
			metricsSrv, err = metrics.New(common.PackageName, cfg.MetricsAddr)
			if err != nil {
				logger.Error("Failed to create metrics server", "err", err)
				return err
			}
			storageMetrics = metricsSrv.Storage()
		}

		topo, err := flags.OpenStorage(cCtx, logger, storageMetrics)
		if err != nil {
			logger.Error("Failed to build storage", "err", err)
			return err
		}
		defer closeTopology(logger, topo)

		server, err := httpserver.New(cfg, httpserver.NewHandler(topo.Root, cfg.MaxObjectSize, logger), metricsSrv)
		if err != nil {
			logger.Error("Failed to create server", "err", err)
			return err
		}
		server.RunInBackground()

		exit := make(chan os.Signal, 1)
		signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

		logger.Info("Server is running, press Ctrl+C to stop")
		<-exit
		logger.Info("Shutdown signal received")

		server.Shutdown()
		logger.Info("Server shutdown complete")
		return nil
	},
}

var putCommand = &cli.Command{
	Name:      "put",
	Usage:     "Store a file (or stdin) under an identifier",
	ArgsUsage: "<id> [file|-]",
	Action: func(cCtx *cli.Context) error {
		id := cCtx.Args().Get(0)
		if id == "" {
			return errors.New("missing identifier")
		}

		src := io.Reader(os.Stdin)
		sizeHint := interfaces.UnknownSize
		if path := cCtx.Args().Get(1); path != "" && path != "-" {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			if info, err := f.Stat(); err == nil && info.Mode().IsRegular() {
				sizeHint = info.Size()
			}
			src = f
		}

		return withStorage(cCtx, func(s interfaces.Storage[string]) error {
			return s.Put(cCtx.Context, id, src, sizeHint)
		})
	},
}

var getCommand = &cli.Command{
	Name:      "get",
	Usage:     "Write an object to stdout or a file",
	ArgsUsage: "<id> [file]",
	Action: func(cCtx *cli.Context) error {
		id := cCtx.Args().Get(0)
		if id == "" {
			return errors.New("missing identifier")
		}

		sink := io.Writer(os.Stdout)
		if path := cCtx.Args().Get(1); path != "" && path != "-" {
			f, err := os.Create(path)
			if err != nil {
				return err
			}
			defer f.Close()
			sink = f
		}

		return withStorage(cCtx, func(s interfaces.Storage[string]) error {
			_, err := s.GetInto(cCtx.Context, id, sink)
			return err
		})
	},
}

var existsCommand = &cli.Command{
	Name:      "exists",
	Usage:     "Print whether an identifier exists",
	ArgsUsage: "<id>",
	Action: func(cCtx *cli.Context) error {
		id := cCtx.Args().Get(0)
		if id == "" {
			return errors.New("missing identifier")
		}
		return withStorage(cCtx, func(s interfaces.Storage[string]) error {
			ok, err := s.Exists(cCtx.Context, id)
			if err != nil {
				return err
			}
			fmt.Println(ok)
			return nil
		})
	},
}

var rmCommand = &cli.Command{
	Name:      "rm",
	Usage:     "Delete identifiers",
	ArgsUsage: "<id>...",
	Action: func(cCtx *cli.Context) error {
		if cCtx.NArg() == 0 {
			return errors.New("missing identifier")
		}
		return withStorage(cCtx, func(s interfaces.Storage[string]) error {
			for _, id := range cCtx.Args().Slice() {
				if err := s.Delete(cCtx.Context, id); err != nil {
					return fmt.Errorf("delete %s: %w", id, err)
				}
			}
			return nil
		})
	},
}

var lsCommand = &cli.Command{
	Name:      "ls",
	Usage:     "List identifiers under a prefix",
	ArgsUsage: "[prefix]",
	Action: func(cCtx *cli.Context) error {
		return withStorage(cCtx, func(s interfaces.Storage[string]) error {
			for id, err := range s.List(cCtx.Context, cCtx.Args().First()) {
				if err != nil {
					return err
				}
				fmt.Println(id)
			}
			return nil
		})
	},
}

var migrateCommand = &cli.Command{
	Name:  "migrate",
	Usage: "Copy or move objects from one storage to another",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "from-config", Usage: "source topology file"},
		&cli.StringFlag{Name: "from", Usage: "source location URI"},
		&cli.StringFlag{Name: "to-config", Usage: "destination topology file"},
		&cli.StringFlag{Name: "to", Usage: "destination location URI"},
		&cli.StringFlag{Name: "prefix", Usage: "only migrate identifiers under this prefix"},
		&cli.StringFlag{Name: "conflict", Value: "overwrite", Usage: "what to do with existing destination objects: overwrite, skip or fail"},
		&cli.IntFlag{Name: "concurrency", Value: 4, Usage: "objects transferred in parallel"},
		&cli.BoolFlag{Name: "delete-source", Usage: "delete each object from the source once copied"},
		&cli.BoolFlag{Name: "verify", Usage: "compare digests of source and destination after copying"},
	},
	Action: func(cCtx *cli.Context) error {
		logger := flags.SetupLogger(cCtx)

		conflict, err := storage.ParseConflictStrategy(cCtx.String("conflict"))
		if err != nil {
			return err
		}

		src, err := flags.OpenStorageFrom(logger, cCtx.String("from-config"), cCtx.String("from"))
		if err != nil {
			return fmt.Errorf("source: %w", err)
		}
		defer closeTopology(logger, src)

		dst, err := flags.OpenStorageFrom(logger, cCtx.String("to-config"), cCtx.String("to"))
		if err != nil {
			return fmt.Errorf("destination: %w", err)
		}
		defer closeTopology(logger, dst)

		result, err := storage.Migrate(cCtx.Context, src.Root, dst.Root, storage.MigrateOptions[string]{
			Prefix:       cCtx.String("prefix"),
			Conflict:     conflict,
			Concurrency:  cCtx.Int("concurrency"),
			DeleteSource: cCtx.Bool("delete-source"),
			Verify:       cCtx.Bool("verify"),
			Log:          logger,
		})
		if err != nil {
			return err
		}

		fmt.Printf("transferred=%d skipped=%d deleted=%d failed=%d\n",
			result.Transferred, result.Skipped, result.Deleted, len(result.Errors))
		return result.Err()
	},
}

func withStorage(cCtx *cli.Context, fn func(interfaces.Storage[string]) error) error {
	logger := flags.SetupLogger(cCtx)
	topo, err := flags.OpenStorage(cCtx, logger, nil)
	if err != nil {
		return err
	}
	defer closeTopology(logger, topo)
	return fn(topo.Root)
}

func closeTopology(logger *slog.Logger, topo *topology.Topology) {
	if err := topo.Close(); err != nil {
		logger.Error("Failed to close storage", "err", err)
	}
}
