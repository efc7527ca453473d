// overfloatctl is the command-line client for overfloatd.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"overfloatd/internal/config"
	"overfloatd/internal/ipc"
)

// Version is set at build time.
var Version = "dev"

// errUsage marks argument errors; the usage text has already been printed.
var errUsage = errors.New("usage")

type app struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer
	c      palette

	socket  string
	name    string
	timeout time.Duration
	asJSON  bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	a := &app{in: stdin, out: stdout, errOut: stderr, c: paletteFor(stdout)}

	fs := flag.NewFlagSet("overfloatctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to config file (used to locate the socket)")
	fs.StringVar(&a.socket, "socket", "", "daemon socket path")
	fs.StringVar(&a.name, "name", "overfloatctl", "consumer label sent in the handshake")
	fs.DurationVar(&a.timeout, "timeout", 10*time.Second, "per-request timeout")
	fs.BoolVar(&a.asJSON, "json", false, "print replies as JSON")
	fs.Usage = func() { a.usage() }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() < 1 {
		a.usage()
		return 2
	}

	if a.socket == "" {
		a.socket = resolveSocket(*configPath)
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	var err error
	switch cmd {
	case "ping":
		err = a.cmdPing(ctx)
	case "status":
		err = a.cmdStatus(ctx)
	case "watches":
		err = a.cmdWatches(ctx, rest)
	case "watch":
		err = a.cmdWatch(ctx, rest)
	case "unwatch":
		err = a.cmdUnwatch(ctx, rest)
	case "keys":
		err = a.cmdListen(ctx, "keys")
	case "events":
		err = a.cmdListen(ctx, "")
	case "read":
		err = a.cmdRead(ctx, rest)
	case "write":
		err = a.cmdWrite(ctx, rest)
	case "config", "profiles":
		err = a.cmdDocument(ctx, cmd, rest)
	case "version":
		fmt.Fprintf(a.out, "overfloatctl %s\n", Version)
	case "help":
		a.usage()
	default:
		a.errorf("unknown command: %s", cmd)
		a.usage()
		return 2
	}

	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage):
		return 2
	default:
		a.errorf("%v", err)
		if errors.Is(err, ipc.ErrDaemonNotRunning) {
			a.tip("start the daemon with: overfloatd")
		}
		return 1
	}
}

// resolveSocket reads the socket path from the daemon's configuration,
// falling back to the platform default when it cannot be loaded.
func resolveSocket(path string) string {
	if path == "" {
		path = config.FindConfigFile()
	}
	if path != "" {
		if cfg, err := config.Load(path); err == nil {
			return cfg.IPC.SocketPath
		}
	}
	if v := os.Getenv("OVERFLOAT_SOCKET_PATH"); v != "" {
		return v
	}
	return config.DefaultSocketPath(config.DataDir())
}

func (a *app) usage() {
	fmt.Fprintln(a.errOut, `overfloatctl - control utility for overfloatd

Usage: overfloatctl [options] <command> [args]

Commands:
  ping                          Check that the daemon answers
  status                        Show daemon status and metrics
  watches [consumer]            List running watches
  watch <path> [watch-id]       Watch a directory tree and print its events
  unwatch <watch-id> [consumer] Stop a watch
  keys                          Print global key combinations
  events                        Print every event addressed to this client
  read [-module m] <path>       Read a file through the daemon
  write [-module m] [-append] <path> [content]
                                Write content (or stdin) to a file
  config get|set [file]         Show or replace the stored consumer config
  profiles get|set [file]       Show or replace the stored profiles
  version                       Print the client version

Options:
  -config <path>   Config file used to find the socket
  -socket <path>   Daemon socket (overrides -config)
  -name <label>    Consumer label (default: overfloatctl)
  -timeout <dur>   Per-request timeout (default: 10s)
  -json            Print replies as JSON`)
}
