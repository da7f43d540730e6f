package config

import (
	"fmt"
	"os"
	"strings"

	kdl "github.com/sblinch/kdl-go"
	"github.com/sblinch/kdl-go/document"
)

// Load reads a KDL config file at path. A missing file is not an error: the
// caller gets Default() back so a fresh install has sane behavior without a
// config file on disk.
func Load(path string) (*Config, error) {
	cfg := Default()

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := applyKDL(cfg, string(content)); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	ApplyEnvOverrides(cfg)
	return cfg, cfg.Validate()
}

func applyKDL(cfg *Config, content string) error {
	doc, err := kdl.Parse(strings.NewReader(content))
	if err != nil {
		return err
	}

	for _, n := range doc.Nodes {
		switch nodeName(n) {
		case "store":
			for _, cn := range n.Children {
				if nodeName(cn) == "dsn" {
					if s, ok := firstStringArg(cn); ok {
						cfg.Store.DSN = s
					}
				}
			}
		case "schedule":
			for _, cn := range n.Children {
				switch nodeName(cn) {
				case "batch_size":
					if v, ok := firstIntArg(cn); ok {
						cfg.Schedule.BatchSize = v
					}
				case "parallelism":
					if v, ok := firstIntArg(cn); ok {
						cfg.Schedule.Parallelism = v
					}
				case "min_sleep_sec":
					if v, ok := firstIntArg(cn); ok {
						cfg.Schedule.MinSleepSec = v
					}
				case "stable_wait_sec":
					if v, ok := firstIntArg(cn); ok {
						cfg.Schedule.StableWaitSec = v
					}
				case "size_poll_sec":
					if v, ok := firstIntArg(cn); ok {
						cfg.Schedule.SizePollSec = v
					}
				case "lease_ttl_sec":
					if v, ok := firstIntArg(cn); ok {
						cfg.Schedule.LeaseTTLSec = v
					}
				case "shutdown_grace_sec":
					if v, ok := firstIntArg(cn); ok {
						cfg.Schedule.ShutdownGraceSec = v
					}
				}
			}
		case "backoff":
			for _, cn := range n.Children {
				switch nodeName(cn) {
				case "step_sec":
					if v, ok := firstIntArg(cn); ok {
						cfg.Backoff.StepSec = v
					}
				case "max_sec":
					if v, ok := firstIntArg(cn); ok {
						cfg.Backoff.MaxSec = v
					}
				case "max_integrity_attempts":
					if v, ok := firstIntArg(cn); ok {
						cfg.Backoff.MaxIntegrityAttempts = v
					}
				case "max_conversion_attempts":
					if v, ok := firstIntArg(cn); ok {
						cfg.Backoff.MaxConversionAttempts = v
					}
				}
			}
		case "adapters":
			for _, cn := range n.Children {
				switch nodeName(cn) {
				case "integrity_timeout_sec":
					if v, ok := firstIntArg(cn); ok {
						cfg.Adapters.IntegrityTimeoutSec = v
					}
				case "audio_timeout_sec":
					if v, ok := firstIntArg(cn); ok {
						cfg.Adapters.AudioTimeoutSec = v
					}
				case "convert_timeout_sec":
					if v, ok := firstIntArg(cn); ok {
						cfg.Adapters.ConvertTimeoutSec = v
					}
				case "quick_mode":
					if b, ok := firstBoolArg(cn); ok {
						cfg.Adapters.QuickMode = b
					}
				case "integrity_command":
					if s, ok := firstStringArg(cn); ok {
						cfg.Adapters.IntegrityCommand = s
					}
				case "convert_command":
					if s, ok := firstStringArg(cn); ok {
						cfg.Adapters.ConvertCommand = s
					}
				}
			}
		case "group":
			for _, cn := range n.Children {
				if nodeName(cn) == "delete_original" {
					if b, ok := firstBoolArg(cn); ok {
						cfg.Group.DeleteOriginal = b
					}
				}
			}
		case "retention":
			for _, cn := range n.Children {
				if nodeName(cn) == "keep_processed_days" {
					if v, ok := firstIntArg(cn); ok {
						cfg.Retention.KeepProcessedDays = v
					}
				}
			}
		case "health":
			for _, cn := range n.Children {
				switch nodeName(cn) {
				case "max_error_ratio":
					if v, ok := firstFloatArg(cn); ok {
						cfg.Health.MaxErrorRatio = v
					}
				case "stuck_lease_grace_sec":
					if v, ok := firstIntArg(cn); ok {
						cfg.Health.StuckLeaseGraceSec = v
					}
				}
			}
		case "metrics":
			for _, cn := range n.Children {
				if nodeName(cn) == "listen_addr" {
					if s, ok := firstStringArg(cn); ok {
						cfg.Metrics.ListenAddr = s
					}
				}
			}
		case "log_level":
			if s, ok := firstStringArg(n); ok {
				cfg.LogLevel = s
			}
		case "include":
			cfg.Include = append(cfg.Include, collectStringArgs(n)...)
		case "exclude":
			cfg.Exclude = collectStringArgs(n)
		}
	}

	return nil
}

func nodeName(n *document.Node) string {
	if n == nil || n.Name == nil {
		return ""
	}
	return n.Name.NodeNameString()
}

func firstIntArg(n *document.Node) (int, bool) {
	if len(n.Arguments) == 0 {
		return 0, false
	}
	switch v := n.Arguments[0].Value.(type) {
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func firstStringArg(n *document.Node) (string, bool) {
	if len(n.Arguments) == 0 {
		return "", false
	}
	if s, ok := n.Arguments[0].Value.(string); ok {
		return s, true
	}
	return "", false
}

func firstBoolArg(n *document.Node) (bool, bool) {
	if len(n.Arguments) == 0 {
		return false, false
	}
	if b, ok := n.Arguments[0].Value.(bool); ok {
		return b, true
	}
	return false, false
}

func firstFloatArg(n *document.Node) (float64, bool) {
	if len(n.Arguments) == 0 {
		return 0, false
	}
	switch v := n.Arguments[0].Value.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func collectStringArgs(n *document.Node) []string {
	if n == nil {
		return nil
	}
	out := make([]string, 0, len(n.Arguments))
	for _, a := range n.Arguments {
		if s, ok := a.Value.(string); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 && len(n.Children) > 0 {
		out = make([]string, 0, len(n.Children))
		for _, child := range n.Children {
			if s, ok := firstStringArg(child); ok {
				out = append(out, s)
			} else if child.Name != nil {
				if s, ok := child.Name.Value.(string); ok {
					out = append(out, s)
				}
			}
		}
	}
	return out
}
