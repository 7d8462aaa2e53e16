// Command engramd is the context-engine daemon (spec.md §2): a single
// long-running process listening on a local Unix socket, serving one
// client (the assistant's harness) at a time per connection.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/engram-dev/engram/internal/config"
	"github.com/engram-dev/engram/internal/debug"
	"github.com/engram-dev/engram/internal/idcodec"
	"github.com/engram-dev/engram/internal/server"
	"github.com/engram-dev/engram/internal/version"
)

func loadConfigWithOverrides(c *cli.Context) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path := c.String("config"); path != "" {
		cfg, err = config.LoadWithRoot(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if v := c.String("socket"); v != "" {
		cfg.SocketPath = v
	}
	if v := c.String("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v := c.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	return cfg, nil
}

func main() {
	app := &cli.App{
		Name:    "engramd",
		Usage:   "context engine daemon for AI coding assistants",
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "config file path (default: $XDG_CONFIG_HOME/engram/config.yaml)",
			},
			&cli.StringFlag{
				Name:  "socket",
				Usage: "unix socket path (overrides config and ENGRAM_SOCKET)",
			},
			&cli.StringFlag{
				Name:  "data-dir",
				Usage: "data directory (overrides config and ENGRAM_DATA_DIR)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (overrides config and ENGRAM_LOG_LEVEL)",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable verbose debug logging to stderr",
			},
		},
		Commands: []*cli.Command{debugCommand()},
		Action:   runDaemon,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "engramd: %v\n", err)
		os.Exit(1)
	}
}

// debugCommand groups operator-facing debug tooling that doesn't belong
// on the daemon's hot path, starting with decode-id: a tiny exercise of
// internal/idcodec kept as a standalone subcommand rather than a
// separate binary, the way the teacher kept its index-inspection tools
// as subcommands of its main CLI rather than one-off scripts.
func debugCommand() *cli.Command {
	return &cli.Command{
		Name:  "debug",
		Usage: "operator-facing debug tooling",
		Subcommands: []*cli.Command{
			{
				Name:      "decode-id",
				Usage:     "decode a base-63 NodeId (or composite id) back to its numeric form",
				ArgsUsage: "<encoded>",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "composite",
						Usage: "decode as a (file_ordinal, local_ordinal) composite id instead of a plain NodeId",
					},
				},
				Action: runDecodeID,
			},
		},
	}
}

func runDecodeID(c *cli.Context) error {
	encoded := c.Args().First()
	if encoded == "" {
		return fmt.Errorf("decode-id: missing <encoded> argument")
	}

	if c.Bool("composite") {
		fileOrdinal, localOrdinal, err := idcodec.DecodeComposite(encoded)
		if err != nil {
			return fmt.Errorf("decode-id: %w", err)
		}
		fmt.Printf("file_ordinal=%d local_ordinal=%d\n", fileOrdinal, localOrdinal)
		return nil
	}

	id, err := idcodec.DecodeNodeID(encoded)
	if err != nil {
		return fmt.Errorf("decode-id: %w", err)
	}
	fmt.Printf("node_id=%d\n", uint64(id))
	return nil
}

// runDaemon implements the spec.md §5/§6 startup/shutdown sequence:
// load config, bind the socket (refusing to start if another instance
// already holds the PID file), serve until SIGINT/SIGTERM, then drain
// the background queue with a 5s cap before exiting.
func runDaemon(c *cli.Context) error {
	cfg, err := loadConfigWithOverrides(c)
	if err != nil {
		return err
	}

	if c.Bool("debug") {
		debug.SetDebugOutput(os.Stderr)
	}

	d := server.New(cfg)
	if err := d.Start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- d.Serve()
	}()

	select {
	case err := <-errChan:
		if err != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			d.Shutdown(shutdownCtx)
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case sig := <-sigChan:
		debug.LogServer("received signal %v, shutting down", sig)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.Shutdown(shutdownCtx)
		<-errChan
		return nil
	}
}
