package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/standardbeagle/mediastate/internal/adapters"
	"github.com/standardbeagle/mediastate/internal/clock"
	"github.com/standardbeagle/mediastate/internal/config"
	"github.com/standardbeagle/mediastate/internal/logging"
	"github.com/standardbeagle/mediastate/internal/manager"
	mserrors "github.com/standardbeagle/mediastate/internal/errors"
	"github.com/standardbeagle/mediastate/internal/version"
	"github.com/standardbeagle/mediastate/pkg/pathutil"
)

func main() {
	app := &cli.App{
		Name:    "mediastate",
		Usage:   "State-management core for a media-conversion orchestrator",
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   ".mediastate.kdl",
				Usage:   "Config file path",
			},
			&cli.StringFlag{
				Name:  "db",
				Usage: "Override store.dsn from config",
			},
			&cli.IntFlag{
				Name:  "batch-size",
				Usage: "Override schedule.batch_size from config",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			scanCommand,
			monitorCommand,
			statusCommand,
			maintenanceCommand,
			resetCommand,
			adaptersCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		var fatal *mserrors.FatalError
		if e, ok := err.(*mserrors.FatalError); ok {
			fatal = e
		}
		fmt.Fprintln(os.Stderr, "mediastate:", err)
		if fatal != nil {
			os.Exit(fatal.ExitCode())
		}
		os.Exit(1)
	}
}

// loadConfig reads the KDL config and layers environment and then CLI flag
// overrides on top, in that order — flags win over env, env wins over the
// file, matching the teacher's loadConfigWithOverrides precedence.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", c.String("config"), err)
	}

	config.ApplyEnvOverrides(cfg)

	if c.String("db") != "" {
		cfg.Store.DSN = c.String("db")
	}
	if c.Int("batch-size") > 0 {
		cfg.Schedule.BatchSize = c.Int("batch-size")
	}
	if c.Bool("debug") {
		cfg.LogLevel = "debug"
	}

	logging.SetLevel(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return nil, mserrors.NewFatal("validating config", err)
	}
	return cfg, nil
}

// newManager wires a Manager with the reference ffprobe/ffmpeg adapters.
func newManager(ctx context.Context, cfg *config.Config) (*manager.Manager, error) {
	return manager.New(ctx, cfg, manager.Options{
		Clock:     clock.Real{},
		Integrity: &adapters.FFProbeIntegrityChecker{Command: cfg.Adapters.IntegrityCommand},
		Audio:     &adapters.FFProbeAudioProbe{},
		Converter: &adapters.FFMpegConverter{Command: cfg.Adapters.ConvertCommand},
	})
}

// signalContext returns a context cancelled on SIGINT/SIGTERM, per the
// monitor command's "runs until SIGINT/SIGTERM; exit 0 on clean shutdown"
// contract.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// resolveArg turns a CLI path argument into the absolute form the store
// keys every FileEntry by, so a relative argument typed at a shell in a
// different directory than the daemon still resolves consistently.
func resolveArg(arg string) (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return pathutil.ToAbsolute(arg, cwd)
}

var scanCommand = &cli.Command{
	Name:      "scan",
	Usage:     "One-shot directory discovery",
	ArgsUsage: "<dir>",
	Action: func(c *cli.Context) error {
		if c.Args().Len() != 1 {
			return cli.Exit("scan requires exactly one directory argument", 1)
		}
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		dir, err := resolveArg(c.Args().First())
		if err != nil {
			return err
		}
		ctx := context.Background()
		m, err := newManager(ctx, cfg)
		if err != nil {
			return err
		}
		defer m.Close()

		result, err := m.DiscoverDirectory(ctx, dir)
		if err != nil {
			return err
		}
		fmt.Printf("discovered %d new file(s), %d already tracked\n", result.FilesAdded, result.FilesExisting)
		return nil
	},
}

var monitorCommand = &cli.Command{
	Name:  "monitor",
	Usage: "Run the planner loop until SIGINT/SIGTERM",
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		m, err := newManager(ctx, cfg)
		if err != nil {
			return err
		}
		defer m.Close()

		return m.StartMonitoring(ctx)
	},
}

var maintenanceCommand = &cli.Command{
	Name:  "maintenance",
	Usage: "Run retention GC and compaction",
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		ctx := context.Background()
		m, err := newManager(ctx, cfg)
		if err != nil {
			return err
		}
		defer m.Close()

		result, err := m.Maintenance(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("gc: removed %d terminal record(s), reclaimed %d bytes\n", result.Deleted, result.BytesReclaimed)
		return nil
	},
}

var resetCommand = &cli.Command{
	Name:  "reset",
	Usage: "Drop all tables after interactive confirmation",
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		fmt.Printf("this will permanently delete all tracked state in %s. Type \"yes\" to continue: ", cfg.Store.DSN)
		var confirm string
		fmt.Scanln(&confirm)
		if confirm != "yes" {
			fmt.Println("aborted")
			return nil
		}
		return resetStore(cfg)
	},
}

var adaptersCommand = &cli.Command{
	Name:      "adapters",
	Usage:     "Run the integrity/audio adapters against a single file for diagnostics",
	ArgsUsage: "<path>",
	Action: func(c *cli.Context) error {
		if c.Args().Len() != 1 {
			return cli.Exit("adapters requires exactly one file argument", 1)
		}
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		path, err := resolveArg(c.Args().First())
		if err != nil {
			return err
		}
		return runAdapterDiagnostics(context.Background(), cfg, path)
	},
}
