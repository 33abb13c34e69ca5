package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/hpungsan/casetrack/internal/agent"
	"github.com/hpungsan/casetrack/internal/clock"
	"github.com/hpungsan/casetrack/internal/collector"
	"github.com/hpungsan/casetrack/internal/config"
	"github.com/hpungsan/casetrack/internal/errors"
	"github.com/hpungsan/casetrack/internal/event"
	"github.com/hpungsan/casetrack/internal/fingerprint"
	"github.com/hpungsan/casetrack/internal/identity"
	"github.com/hpungsan/casetrack/internal/observability"
	"github.com/hpungsan/casetrack/internal/signal"
)

// maxInputBytes bounds recordings and environment files read by the CLI.
const maxInputBytes = 16 << 20

// ReplayOutput is printed by the replay command.
type ReplayOutput struct {
	Signals int          `json:"signals"`
	Status  agent.Status `json:"status"`
}

// IdentityOutput is printed by the identity command.
type IdentityOutput struct {
	SessionID string `json:"session_id,omitempty"`
	Reset     bool   `json:"reset,omitempty"`
}

// PurgeOutput is printed by the purge command.
type PurgeOutput struct {
	Purged int64 `json:"purged"`
}

// newCLIApp creates the CLI application with all commands.
func newCLIApp(db *sql.DB, cfg *config.Config, logger *zap.Logger) *cli.App {
	logger = observability.OrNop(logger)
	app := &cli.App{
		Name:    "casetrack",
		Usage:   "Behavioral telemetry agent",
		Version: Version,
		Commands: []*cli.Command{
			replayCmd(db, cfg, logger),
			identityCmd(db, cfg, logger),
			fingerprintCmd(cfg, logger),
			purgeCmd(db),
			collectCmd(logger),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// replayCmd creates the replay command.
func replayCmd(db *sql.DB, cfg *config.Config, logger *zap.Logger) *cli.Command {
	return &cli.Command{
		Name:      "replay",
		Usage:     "Replay a JSONL signal recording through the tracker (reads stdin without a file)",
		ArgsUsage: "[file]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "collector", Aliases: []string{"c"}, Usage: "Collector base URL (overrides config)"},
			&cli.StringFlag{Name: "env", Aliases: []string{"e"}, Usage: "JSON file describing the browser environment"},
			&cli.BoolFlag{Name: "realtime", Usage: "Wait out the recorded offsets instead of using a virtual clock"},
			&cli.DurationFlag{Name: "wait", Value: 5 * time.Second, Usage: "How long to wait for in-flight sends on exit"},
		},
		Action: func(c *cli.Context) error {
			data, err := readInput(c.Args().First())
			if err != nil {
				return outputError(err)
			}
			signals, err := signal.Decode(strings.NewReader(data))
			if err != nil {
				return outputError(err)
			}
			if len(signals) == 0 {
				return outputError(errors.NewInvalidRequest("recording has no signals"))
			}

			env, err := loadEnvironment(c.String("env"))
			if err != nil {
				return outputError(err)
			}

			runCfg := *cfg
			if u := c.String("collector"); u != "" {
				runCfg.CollectorURL = u
			}

			var clk clock.Clock = clock.NewVirtual(time.Now())
			if c.Bool("realtime") {
				clk = clock.Real{}
			}

			a := agent.New(agent.Options{
				Config: &runCfg,
				Env:    env,
				DB:     db,
				Prober: fingerprint.HashProber{},
				Clock:  clk,
				Logger: logger,
			})

			replayErr := signal.Replay(c.Context, a, signals, clk)

			ctx, cancel := context.WithTimeout(context.Background(), c.Duration("wait"))
			defer cancel()
			if replayErr == nil {
				a.Fingerprint(ctx)
			}
			if err := a.Close(ctx); err != nil {
				logger.Warn("in-flight sends did not finish", zap.Error(err))
			}
			if replayErr != nil {
				return outputError(replayErr)
			}

			return outputJSON(ReplayOutput{Signals: len(signals), Status: a.Status()})
		},
	}
}

// identityCmd creates the identity command.
func identityCmd(db *sql.DB, cfg *config.Config, logger *zap.Logger) *cli.Command {
	return &cli.Command{
		Name:  "identity",
		Usage: "Show the persisted session id, minting one if none exists",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "reset", Usage: "Forget the persisted session id"},
		},
		Action: func(c *cli.Context) error {
			store := identity.NewStore(
				identity.NewDurableTier(db, clock.Real{}),
				identity.NewEphemeralTier(),
				cfg.SessionTTL(),
				logger,
			)

			if c.Bool("reset") {
				if err := store.Reset(c.Context); err != nil {
					return outputError(err)
				}
				return outputJSON(IdentityOutput{Reset: true})
			}

			return outputJSON(IdentityOutput{SessionID: store.ResolveSessionID(c.Context)})
		},
	}
}

// fingerprintCmd creates the fingerprint command.
func fingerprintCmd(cfg *config.Config, logger *zap.Logger) *cli.Command {
	return &cli.Command{
		Name:  "fingerprint",
		Usage: "Resolve the visitor id for an environment (defaults to this host)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "env", Aliases: []string{"e"}, Usage: "JSON file describing the browser environment"},
		},
		Action: func(c *cli.Context) error {
			env, err := loadEnvironment(c.String("env"))
			if err != nil {
				return outputError(err)
			}
			r := fingerprint.NewResolver(fingerprint.HashProber{}, env, cfg.FingerprintTimeout(), logger)
			return outputJSON(r.Resolve(c.Context))
		},
	}
}

// purgeCmd creates the purge command.
func purgeCmd(db *sql.DB) *cli.Command {
	return &cli.Command{
		Name:  "purge",
		Usage: "Permanently delete expired identity rows",
		Action: func(c *cli.Context) error {
			n, err := identity.NewDurableTier(db, clock.Real{}).Purge(c.Context)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(PurgeOutput{Purged: n})
		},
	}
}

// collectCmd creates the collect command.
func collectCmd(logger *zap.Logger) *cli.Command {
	return &cli.Command{
		Name:  "collect",
		Usage: "Run a development collector that accepts tracker batches",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bind", Value: "127.0.0.1", Usage: "Address to bind"},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Value: 8080, Usage: "Port to listen on"},
			&cli.IntFlag{Name: "keep", Value: 100, Usage: "Number of recent batches kept in memory"},
		},
		Action: func(c *cli.Context) error {
			port := c.Int("port")
			if port <= 0 || port > 65535 {
				return outputError(errors.NewInvalidRequest(fmt.Sprintf("invalid port %d", port)))
			}
			h := collector.NewHandlers(collector.NewStore(c.Int("keep")), logger)
			if err := collector.Run(collector.NewServer(h, c.String("bind"), port), logger); err != nil {
				return outputError(errors.NewInternal(err))
			}
			return nil
		},
	}
}

// Helper functions

// outputJSON marshals result to stdout as JSON.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	if tErr, ok := err.(*errors.TrackError); ok {
		return cli.Exit(fmt.Sprintf("[%s] %s", tErr.Code, tErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}

// stdinHasData returns true if stdin has piped data (not a terminal).
func stdinHasData() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

// readStdin reads up to limit bytes from stdin.
func readStdin(limit int64) (string, error) {
	data, err := io.ReadAll(io.LimitReader(os.Stdin, limit+1))
	if err != nil {
		return "", err
	}
	if int64(len(data)) > limit {
		return "", fmt.Errorf("input exceeds %d bytes", limit)
	}
	return string(data), nil
}

// readInput reads path, or stdin when path is empty.
func readInput(path string) (string, error) {
	if path == "" {
		if !stdinHasData() {
			return "", errors.NewInvalidRequest("recording must be a file argument or piped via stdin")
		}
		data, err := readStdin(maxInputBytes)
		if err != nil {
			return "", errors.NewInvalidRequest(err.Error())
		}
		return data, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", errors.NewInvalidRequest(fmt.Sprintf("open %s: %v", path, err))
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxInputBytes+1))
	if err != nil {
		return "", errors.NewInternal(err)
	}
	if len(data) > maxInputBytes {
		return "", errors.NewInvalidRequest(fmt.Sprintf("%s exceeds %d bytes", path, maxInputBytes))
	}
	return string(data), nil
}

// loadEnvironment reads an Environment from a JSON file, or describes this
// host when path is empty.
func loadEnvironment(path string) (event.Environment, error) {
	if path == "" {
		return hostEnvironment(), nil
	}
	data, err := readInput(path)
	if err != nil {
		return event.Environment{}, err
	}
	var env event.Environment
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return event.Environment{}, errors.NewInvalidRequest(fmt.Sprintf("parse %s: %v", path, err))
	}
	return env, nil
}

// hostEnvironment describes the machine running casetrack as a browser
// environment, for replays and MCP sessions that don't supply one.
func hostEnvironment() event.Environment {
	now := time.Now()
	zone, offset := now.Zone()
	if name := now.Location().String(); name != "Local" {
		zone = name
	}
	lang := os.Getenv("LANG")
	if i := strings.IndexAny(lang, ".@"); i >= 0 {
		lang = lang[:i]
	}
	lang = strings.ReplaceAll(lang, "_", "-")

	env := event.Environment{
		UserAgent:      fmt.Sprintf("casetrack/%s (%s; %s)", Version, runtime.GOOS, runtime.GOARCH),
		Language:       lang,
		Platform:       runtime.GOOS,
		Timezone:       zone,
		TimezoneOffset: -offset / 60,
		CookiesEnabled: true,
		LocalStorage:   true,
		SessionStorage: true,
		Online:         true,
	}
	if lang != "" {
		env.Languages = []string{lang}
	}
	return env
}
