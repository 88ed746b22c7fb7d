// Command storage-engine serves the local storage engine over HTTP and runs
// one-off commands against its data directory.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/dataplayground/storage-engine/backup"
	"github.com/dataplayground/storage-engine/config"
	"github.com/dataplayground/storage-engine/engine"
	"github.com/dataplayground/storage-engine/protocol"
	"github.com/dataplayground/storage-engine/server"
	"github.com/dataplayground/storage-engine/telemetry"
)

var version = "dev"

// Globals are flags shared by every command.
// Settings also come from STORAGE_ENGINE_* environment variables; flags win.
type Globals struct {
	Config    string `help:"Path to a YAML config file." type:"path" env:"STORAGE_ENGINE_CONFIG"`
	DataDir   string `help:"Override the data directory."`
	LogLevel  string `help:"Override the log level (debug, info, warn, error)."`
	LogFormat string `help:"Override the log format (text, json)."`
}

// CLI is the command line of storage-engine.
type CLI struct {
	Globals

	Version kong.VersionFlag `help:"Print version and exit."`

	Serve   ServeCmd   `cmd:"" default:"1" help:"Serve the engine over HTTP."`
	Exec    ExecCmd    `cmd:"" help:"Run a single command given as JSON and print the response."`
	Stats   StatsCmd   `cmd:"" help:"Print cache statistics and storage usage."`
	Cleanup CleanupCmd `cmd:"" help:"Evict cache entries until resident bytes fit a target."`
	Export  ExportCmd  `cmd:"" help:"Export notebooks, preferences and cache metadata."`
	Import  ImportCmd  `cmd:"" help:"Import a backup produced by export."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("storage-engine"),
		kong.Description("Local storage engine for notebooks, preferences and cached Parquet files."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
	if err := kctx.Run(&cli.Globals); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// load reads the config and applies flag overrides.
func (g *Globals) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, nil, err
	}
	if g.DataDir != "" {
		cfg.DataDir = g.DataDir
	}
	if g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
	}
	if g.LogFormat != "" {
		cfg.Log.Format = g.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, newLogger(cfg.Log), nil
}

// newLogger logs to stderr so command output on stdout stays parseable.
func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}

// openEngine opens and starts the engine for a one-off command.
func (g *Globals) openEngine(ctx context.Context) (*engine.Engine, *slog.Logger, error) {
	cfg, logger, err := g.load()
	if err != nil {
		return nil, nil, err
	}
	eng, err := engine.Open(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := eng.Start(ctx); err != nil {
		return nil, nil, errors.Join(err, eng.Close())
	}
	return eng, logger, nil
}

// ServeCmd runs the HTTP server until interrupted.
type ServeCmd struct {
	Address string `help:"Override the listen address."`
	Token   string `help:"Bearer token required by the API."`
}

// Run serves until SIGINT or SIGTERM.
func (c *ServeCmd) Run(g *Globals) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	if c.Address != "" {
		cfg.Server.Address = c.Address
	}
	if c.Token != "" {
		cfg.Server.AuthToken = c.Token
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "storage-engine",
		ServiceVersion:   version,
		OTLPEndpoint:     cfg.Metrics.OTLPEndpoint,
		EnablePrometheus: cfg.Metrics.Prometheus,
		FlushInterval:    cfg.Metrics.FlushInterval,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	eng, err := engine.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	// The engine outlives the signal context so in-flight requests drain
	if err := eng.Start(context.Background()); err != nil {
		return errors.Join(err, eng.Close())
	}

	srv := server.New(server.Config{
		Address:        cfg.Server.Address,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		MaxConnections: cfg.Server.MaxConnections,
		ReadTimeout:    cfg.Server.ReadTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		AuthToken:      cfg.Server.AuthToken,
		Logger:         logger,
	}, eng)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("storage engine started",
		"version", version,
		"address", cfg.Server.Address,
		"data_dir", cfg.DataDir,
		"payloads", cfg.Payloads,
		"auth", cfg.Server.AuthToken != "",
	)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Closing the engine first ends open event streams so Shutdown can finish
	closeErr := eng.Close()
	return errors.Join(
		serveErr,
		srv.Shutdown(shutdownCtx),
		closeErr,
		shutdownMetrics(shutdownCtx),
	)
}

// ExecCmd dispatches one command read from an argument or stdin.
type ExecCmd struct {
	Command string `arg:"" optional:"" help:"Command JSON, e.g. {\"type\":\"list_notebooks\"}. Read from stdin when omitted or '-'."`
}

// Run executes the command and prints the response envelope.
func (c *ExecCmd) Run(g *Globals) error {
	raw := []byte(c.Command)
	if c.Command == "" || c.Command == "-" {
		var err error
		if raw, err = io.ReadAll(os.Stdin); err != nil {
			return fmt.Errorf("reading command: %w", err)
		}
	}

	var cmd protocol.Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return fmt.Errorf("parsing command: %w", err)
	}

	ctx := context.Background()
	eng, _, err := g.openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	req := protocol.NewRequest(cmd)
	start := time.Now()
	evt, err := eng.Dispatch(ctx, cmd)
	if err != nil {
		return err
	}
	return printJSON(protocol.NewResponse(req.ID, start, protocol.ResultFor(evt)))
}

// StatsCmd prints cache statistics and quota usage.
type StatsCmd struct{}

// Run prints both events as one JSON object.
func (c *StatsCmd) Run(g *Globals) error {
	ctx := context.Background()
	eng, _, err := g.openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	stats, err := dispatch(ctx, eng, protocol.NewCommand(protocol.CmdGetCacheStats, nil))
	if err != nil {
		return err
	}
	usage, err := dispatch(ctx, eng, protocol.NewCommand(protocol.CmdGetQuota, nil))
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"cache": stats.Payload,
		"quota": usage.Payload,
	})
}

// CleanupCmd evicts cache entries down to a target size.
type CleanupCmd struct {
	TargetBytes uint64 `help:"Resident bytes to evict down to." required:""`
}

// Run runs the cleanup and prints the result.
func (c *CleanupCmd) Run(g *Globals) error {
	ctx := context.Background()
	eng, logger, err := g.openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	evt, err := dispatch(ctx, eng, protocol.NewCommand(protocol.CmdRunCleanup, &protocol.RunCleanup{TargetBytes: c.TargetBytes}))
	if err != nil {
		return err
	}
	removed := evt.Payload.(*protocol.Removed)
	logger.Info("cleanup completed", "entries_removed", removed.EntriesRemoved, "bytes_freed", removed.BytesFreed)
	return printJSON(removed)
}

// ExportCmd writes a backup document.
type ExportCmd struct {
	Output string `short:"o" help:"File to write; stdout when omitted." type:"path"`
}

// Run exports all data.
func (c *ExportCmd) Run(g *Globals) error {
	ctx := context.Background()
	eng, logger, err := g.openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	evt, err := dispatch(ctx, eng, protocol.NewCommand(protocol.CmdExportAll, nil))
	if err != nil {
		return err
	}
	data := evt.Payload.(*protocol.DataExported).Data

	if c.Output == "" {
		return printJSON(data)
	}
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding backup: %w", err)
	}
	if err := os.WriteFile(c.Output, out, 0o600); err != nil {
		return fmt.Errorf("writing backup: %w", err)
	}
	logger.Info("backup written",
		"path", c.Output,
		"notebooks", len(data.Notebooks),
		"cache_entries", len(data.CacheMetadata),
	)
	return nil
}

// ImportCmd restores a backup document.
type ImportCmd struct {
	Input string `arg:"" help:"Backup file produced by export." type:"existingfile"`
}

// Run imports the backup.
func (c *ImportCmd) Run(g *Globals) error {
	raw, err := os.ReadFile(c.Input)
	if err != nil {
		return fmt.Errorf("reading backup: %w", err)
	}
	var data backup.Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("parsing backup: %w", err)
	}

	ctx := context.Background()
	eng, _, err := g.openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	evt, err := dispatch(ctx, eng, protocol.NewCommand(protocol.CmdImportAll, &protocol.ImportAll{Data: data}))
	if err != nil {
		return err
	}
	return printJSON(evt.Payload)
}

// dispatch runs cmd and turns an error event into an error.
func dispatch(ctx context.Context, eng *engine.Engine, cmd protocol.Command) (protocol.Event, error) {
	evt, err := eng.Dispatch(ctx, cmd)
	if err != nil {
		return protocol.Event{}, err
	}
	if evt.IsError() {
		body := evt.Payload.(*protocol.ErrorBody)
		return protocol.Event{}, fmt.Errorf("%s: %w", body.Operation, body.Error.Err())
	}
	return evt, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
