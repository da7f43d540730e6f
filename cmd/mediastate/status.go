package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/standardbeagle/mediastate/internal/adapters"
	"github.com/standardbeagle/mediastate/internal/config"
	"github.com/standardbeagle/mediastate/internal/store"
)

var statusCommand = &cli.Command{
	Name:  "status",
	Usage: "Print JSON status of the tracked file and group population",
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

		status, err := m.GetStatus(ctx)
		if err != nil {
			return err
		}
		health, err := m.GetHealth(ctx)
		if err != nil {
			return err
		}

		out := struct {
			Status interface{} `json:"status"`
			Health interface{} `json:"health"`
		}{Status: status, Health: health}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

// resetStore drops and re-creates every table by reopening the store over
// a deleted database file; goose re-applies all migrations from zero.
func resetStore(cfg *config.Config) error {
	dsn := cfg.Store.DSN
	path := dsnToPath(dsn)
	if path != "" {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing store file: %w", err)
		}
	}
	s, err := store.Open(context.Background(), dsn)
	if err != nil {
		return err
	}
	return s.Close()
}

// dsnToPath extracts the filesystem path from a "file:" sqlite3 DSN,
// stripping query parameters. Returns "" for in-memory DSNs, which reset
// implicitly on process exit.
func dsnToPath(dsn string) string {
	const prefix = "file:"
	if len(dsn) < len(prefix) || dsn[:len(prefix)] != prefix {
		return ""
	}
	rest := dsn[len(prefix):]
	if i := indexByte(rest, '?'); i >= 0 {
		rest = rest[:i]
	}
	if rest == ":memory:" {
		return ""
	}
	return rest
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// runAdapterDiagnostics invokes each configured adapter against path and
// prints the raw verdicts, for operators debugging a stuck file outside
// the planner loop.
func runAdapterDiagnostics(ctx context.Context, cfg *config.Config, path string) error {
	checker := &adapters.FFProbeIntegrityChecker{Command: cfg.Adapters.IntegrityCommand}
	probe := &adapters.FFProbeAudioProbe{}

	result, err := checker.Check(ctx, path, cfg.Adapters.QuickMode)
	if err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	fmt.Printf("integrity: %s", result.Verdict)
	if result.Detail != "" {
		fmt.Printf(" (%s)", result.Detail)
	}
	fmt.Println()

	if result.Verdict != adapters.IntegrityComplete {
		return nil
	}

	tracks, err := probe.Probe(ctx, path)
	if err != nil {
		return fmt.Errorf("audio probe: %w", err)
	}
	for _, t := range tracks {
		fmt.Printf("track: language=%s channels=%d default=%v\n", t.Language, t.Channels, t.IsDefault)
	}
	return nil
}
