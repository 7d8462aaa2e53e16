// Command engram is a thin CLI client for engramd: it frames one request
// over the daemon's Unix socket, waits for the single response, and
// prints the result. It is not part of the wire protocol itself - any
// client speaking the same framing could stand in for it - but is kept
// as a real, buildable binary the way the teacher ships its own
// companion CLI alongside the daemon it talks to.
package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/engram-dev/engram/internal/config"
	"github.com/engram-dev/engram/internal/types"
	"github.com/engram-dev/engram/internal/version"
	"github.com/engram-dev/engram/internal/wire"
)

// dialTimeout bounds how long the client waits to connect to and
// round-trip with the daemon before giving up - generous relative to
// the daemon's own 100ms soft deadline since it also covers connection
// setup over a Unix socket.
const dialTimeout = 5 * time.Second

func main() {
	app := &cli.App{
		Name:    "engram",
		Usage:   "CLI client for the engramd context-engine daemon",
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "socket",
				Usage: "unix socket path (overrides config and ENGRAM_SOCKET)",
			},
			&cli.StringFlag{
				Name:  "cwd",
				Usage: "project directory to address (default: current directory)",
			},
		},
		Commands: []*cli.Command{
			pingCommand(),
			statusCommand(),
			checkInitCommand(),
			initCommand(),
			getContextCommand(),
			notifyCommand(),
			shutdownCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "engram: %v\n", err)
		os.Exit(1)
	}
}

// resolveSocket applies the same override precedence as engramd's own
// flag/config/env layering (internal/config.Load), so the client and
// daemon agree on which socket to use without the operator having to
// repeat themselves.
func resolveSocket(c *cli.Context) (string, error) {
	if v := c.String("socket"); v != "" {
		return v, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	return cfg.SocketPath, nil
}

func resolveCwd(c *cli.Context) (string, error) {
	if v := c.String("cwd"); v != "" {
		return v, nil
	}
	return os.Getwd()
}

// call dials socket, writes req as a single JSON-codec frame, and reads
// back the one response the connection will ever carry (spec.md §4.A
// "one request, one response, then closed").
func call(socket string, req wire.Request) (wire.Response, error) {
	conn, err := net.DialTimeout("unix", socket, dialTimeout)
	if err != nil {
		return wire.Response{}, fmt.Errorf("connect to %s: %w", socket, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(dialTimeout))

	payload, err := wire.EncodeRequest(req, true)
	if err != nil {
		return wire.Response{}, fmt.Errorf("encode request: %w", err)
	}
	if err := wire.WriteFrame(conn, payload); err != nil {
		return wire.Response{}, fmt.Errorf("write request: %w", err)
	}

	respPayload, err := wire.ReadFrame(conn)
	if err != nil {
		return wire.Response{}, fmt.Errorf("read response: %w", err)
	}
	resp, err := wire.DecodeResponse(respPayload)
	if err != nil {
		return wire.Response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// errFromResponse turns a StatusError response into a Go error so every
// subcommand can return it the same way; other statuses are not errors.
func errFromResponse(resp wire.Response) error {
	if resp.Status == wire.StatusError {
		return fmt.Errorf("%s: %s", resp.ErrorCode, resp.Message)
	}
	return nil
}

func pingCommand() *cli.Command {
	return &cli.Command{
		Name:  "ping",
		Usage: "round-trip a marker through the daemon",
		Action: func(c *cli.Context) error {
			socket, err := resolveSocket(c)
			if err != nil {
				return err
			}
			marker := fmt.Sprintf("engram-%d", time.Now().UnixNano())
			resp, err := call(socket, wire.Request{Action: wire.ActionPing, Marker: marker})
			if err != nil {
				return err
			}
			if resp.Marker != marker {
				return fmt.Errorf("ping: marker mismatch, daemon echoed %q", resp.Marker)
			}
			fmt.Println("pong")
			return nil
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "print the daemon's version, loaded projects, and op metrics",
		Action: func(c *cli.Context) error {
			socket, err := resolveSocket(c)
			if err != nil {
				return err
			}
			resp, err := call(socket, wire.Request{Action: wire.ActionStatus})
			if err != nil {
				return err
			}
			if err := errFromResponse(resp); err != nil {
				return err
			}
			return printJSON(resp.DaemonStatus)
		},
	}
}

func checkInitCommand() *cli.Command {
	return &cli.Command{
		Name:  "check-init",
		Usage: "report whether the project at --cwd has been initialized",
		Action: func(c *cli.Context) error {
			socket, err := resolveSocket(c)
			if err != nil {
				return err
			}
			cwd, err := resolveCwd(c)
			if err != nil {
				return err
			}
			resp, err := call(socket, wire.Request{Action: wire.ActionCheckInit, Cwd: cwd})
			if err != nil {
				return err
			}
			if err := errFromResponse(resp); err != nil {
				return err
			}
			fmt.Println(resp.Initialized)
			return nil
		},
	}
}

func initCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "initialize (or re-index) the project at --cwd",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "async", Usage: "return immediately instead of waiting for the initial scan"},
		},
		Action: func(c *cli.Context) error {
			socket, err := resolveSocket(c)
			if err != nil {
				return err
			}
			cwd, err := resolveCwd(c)
			if err != nil {
				return err
			}
			resp, err := call(socket, wire.Request{Action: wire.ActionInitProject, Cwd: cwd, AsyncMode: c.Bool("async")})
			if err != nil {
				return err
			}
			return errFromResponse(resp)
		},
	}
}

func getContextCommand() *cli.Command {
	return &cli.Command{
		Name:  "get-context",
		Usage: "compose and print context for a prompt",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "prompt", Usage: "free-text prompt driving retrieval"},
		},
		Action: func(c *cli.Context) error {
			socket, err := resolveSocket(c)
			if err != nil {
				return err
			}
			cwd, err := resolveCwd(c)
			if err != nil {
				return err
			}
			resp, err := call(socket, wire.Request{
				Action: wire.ActionGetContext,
				Cwd:    cwd,
				Prompt: c.String("prompt"),
			})
			if err != nil {
				return err
			}
			if err := errFromResponse(resp); err != nil {
				return err
			}
			if resp.Context == nil {
				return fmt.Errorf("get-context: daemon returned no context payload")
			}
			fmt.Println(resp.Context.Text)
			return nil
		},
	}
}

func notifyCommand() *cli.Command {
	return &cli.Command{
		Name:      "notify",
		Usage:     "tell the daemon a file changed outside its own watcher",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "kind", Value: "modified", Usage: "created|modified|removed"},
		},
		Action: func(c *cli.Context) error {
			path := c.Args().First()
			if path == "" {
				return fmt.Errorf("notify: missing <path> argument")
			}
			socket, err := resolveSocket(c)
			if err != nil {
				return err
			}
			cwd, err := resolveCwd(c)
			if err != nil {
				return err
			}
			var kind wire.FileChangeKind
			switch c.String("kind") {
			case "created":
				kind = wire.FileCreated
			case "removed":
				kind = wire.FileRemoved
			default:
				kind = wire.FileModified
			}
			resp, err := call(socket, wire.Request{
				Action: wire.ActionNotifyFileChange,
				Cwd:    cwd,
				Path:   path,
				Kind:   kind,
			})
			if err != nil {
				return err
			}
			return errFromResponse(resp)
		},
	}
}

func shutdownCommand() *cli.Command {
	return &cli.Command{
		Name:  "shutdown",
		Usage: "ask the daemon to drain and exit",
		Action: func(c *cli.Context) error {
			socket, err := resolveSocket(c)
			if err != nil {
				return err
			}
			resp, err := call(socket, wire.Request{Action: wire.ActionShutdown})
			if err != nil {
				return err
			}
			return errFromResponse(resp)
		},
	}
}

// keep the types import honest: FocusHint/Entry-carrying commands aren't
// wired up yet, but NodeId shows up in get-context's future --focus flag,
// so the dependency is declared here rather than added piecemeal later.
var _ = types.NodeId(0)
