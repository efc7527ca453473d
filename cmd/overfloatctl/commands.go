package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"overfloatd/internal/fsevent"
	"overfloatd/internal/ipc"
	"overfloatd/internal/notify"
	"overfloatd/internal/watcher"
)

func (a *app) connect(ctx context.Context) (*ipc.IPCClient, error) {
	cfg := ipc.DefaultClientConfig("")
	cfg.SocketPath = a.socket
	cfg.ClientName = a.name
	cfg.ClientVersion = Version
	cfg.RequestTimeout = a.timeout

	client := ipc.NewClient(cfg)
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) cmdPing(ctx context.Context) error {
	client, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	start := time.Now()
	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("daemon not responding: %w", err)
	}
	latency := time.Since(start).Round(time.Microsecond)

	if a.asJSON {
		return a.printJSON(map[string]any{"version": client.ServerVersion(), "latency": latency.String()})
	}
	fmt.Fprintf(a.out, "  %sDaemon%s  %s%sRUNNING%s %s (latency: %s)\n",
		a.c.Dim, a.c.Reset, a.c.Bold, a.c.Green, a.c.Reset, client.ServerVersion(), latency)
	return nil
}

func (a *app) cmdStatus(ctx context.Context) error {
	client, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	st, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("get status: %w", err)
	}
	if a.asJSON {
		return a.printJSON(st)
	}

	a.section("DAEMON STATUS")
	a.field("Version", "%s%s%s", a.c.Cyan, st.Version, a.c.Reset)
	a.field("Uptime", "%s", st.Uptime.Round(time.Second))
	a.field("Started", "%s", st.StartedAt.Format(time.RFC3339))
	a.field("Backend", "%s", st.WatchBackend)
	if st.Keyboard {
		a.field("Keyboard", "%s%sLIVE%s", a.c.Bold, a.c.Green, a.c.Reset)
	} else {
		a.field("Keyboard", "%s%sOFF%s (%s)", a.c.Bold, a.c.Yellow, a.c.Reset, st.KeyboardDetail)
	}

	a.section("CLIENTS")
	a.field("Connections", "%d", st.Clients)
	if len(st.Consumers) > 0 {
		a.field("Consumers", "%s", strings.Join(st.Consumers, ", "))
	}

	if len(st.Watches) > 0 {
		a.section("WATCHES")
		a.printWatches(st.Watches)
	}

	if len(st.Metrics) > 0 {
		a.section("METRICS")
		names := make([]string, 0, len(st.Metrics))
		for name := range st.Metrics {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(a.out, "  %s%s%s %v\n", a.c.Dim, name, a.c.Reset, st.Metrics[name])
		}
	}
	fmt.Fprintln(a.out)
	return nil
}

func (a *app) printWatches(watches []watcher.Info) {
	for _, w := range watches {
		fmt.Fprintf(a.out, "  %s%s/%s%s  %s\n", a.c.Cyan, w.Consumer, w.WatchID, a.c.Reset, w.Path)
		fmt.Fprintf(a.out, "    %sstate%s %s  %sevents%s %d  %ssince%s %s\n",
			a.c.Dim, a.c.Reset, w.State,
			a.c.Dim, a.c.Reset, w.Events,
			a.c.Dim, a.c.Reset, w.Started.Format("15:04:05"))
	}
}

func (a *app) cmdWatches(ctx context.Context, args []string) error {
	consumer := ""
	if len(args) > 0 {
		consumer = args[0]
	}

	client, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.ListWatches(ctx, consumer)
	if err != nil {
		return fmt.Errorf("list watches: %w", err)
	}
	if a.asJSON {
		return a.printJSON(resp.Watches)
	}
	if len(resp.Watches) == 0 {
		fmt.Fprintf(a.out, "  %sNo running watches.%s\n", a.c.Dim, a.c.Reset)
		return nil
	}
	a.printWatches(resp.Watches)
	return nil
}

// cmdWatch registers a watch and prints its events until interrupted. The
// watch is stopped on the way out.
func (a *app) cmdWatch(ctx context.Context, args []string) error {
	if len(args) < 1 {
		a.errorf("usage: overfloatctl watch <path> [watch-id]")
		return errUsage
	}
	path, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("resolve %s: %w", args[0], err)
	}
	watchID := uuid.NewString()
	if len(args) > 1 {
		watchID = args[1]
	}

	client, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.Watch(ctx, path, watchID)
	if err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		client.StopWatching(stopCtx, "", resp.WatchID)
	}()

	if !a.asJSON {
		fmt.Fprintf(a.errOut, "%s%sWATCHING%s %s as %s (Ctrl+C to stop)\n",
			a.c.Bold, a.c.Green, a.c.Reset, resp.Path, resp.WatchID)
	}
	return a.stream(ctx, client, func(ev *ipc.Event) bool { return ev.Channel == resp.Channel })
}

func (a *app) cmdUnwatch(ctx context.Context, args []string) error {
	if len(args) < 1 {
		a.errorf("usage: overfloatctl unwatch <watch-id> [consumer]")
		return errUsage
	}
	consumer := ""
	if len(args) > 1 {
		consumer = args[1]
	}

	client, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	stopped, err := client.StopWatching(ctx, consumer, args[0])
	if err != nil {
		return fmt.Errorf("stop watch: %w", err)
	}
	if a.asJSON {
		return a.printJSON(map[string]bool{"stopped": stopped})
	}
	if stopped {
		fmt.Fprintf(a.out, "  stopped %s\n", args[0])
	} else {
		fmt.Fprintf(a.out, "  %s%s was not running%s\n", a.c.Dim, args[0], a.c.Reset)
	}
	return nil
}

// cmdListen prints pushed events. With filter "keys" only key combinations
// are shown.
func (a *app) cmdListen(ctx context.Context, filter string) error {
	client, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if !a.asJSON {
		fmt.Fprintln(a.errOut, "Waiting for events... Press Ctrl+C to stop")
	}
	return a.stream(ctx, client, func(ev *ipc.Event) bool {
		return filter != "keys" || ev.Channel == notify.KeypressChannel
	})
}

func (a *app) stream(ctx context.Context, client *ipc.IPCClient, match func(*ipc.Event) bool) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-client.Events():
			if !ok {
				return errors.New("daemon closed the connection")
			}
			if match(ev) {
				a.printEvent(ev)
			}
		}
	}
}

func (a *app) printEvent(ev *ipc.Event) {
	if a.asJSON {
		a.printJSON(ev)
		return
	}

	stamp := ev.Timestamp.Format("15:04:05.000")
	switch {
	case ev.Channel == notify.KeypressChannel:
		var p notify.KeypressPayload
		if json.Unmarshal(ev.Payload, &p) == nil {
			fmt.Fprintf(a.out, "[%s] %skey%s %s\n", stamp, a.c.Cyan, a.c.Reset, p.Key)
			return
		}
	case strings.HasPrefix(ev.Channel, notify.FSEventChannel("")):
		var fe fsevent.Event
		if json.Unmarshal(ev.Payload, &fe) == nil && fe.Kind.Valid() {
			kind := fe.Kind.String()
			if fe.IsDir {
				kind += "/dir"
			}
			fmt.Fprintf(a.out, "[%s] %s%-12s%s %s\n", fe.Time().Format("15:04:05.000"), a.c.Cyan, kind, a.c.Reset, fe.String())
			return
		}
	}
	fmt.Fprintf(a.out, "[%s] %s %s\n", stamp, ev.Channel, string(ev.Payload))
}

func moduleFlags(name string, errOut io.Writer) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(errOut)
	module := fs.String("module", "", "resolve the path under this module directory")
	return fs, module
}

func (a *app) cmdRead(ctx context.Context, args []string) error {
	fs, module := moduleFlags("read", a.errOut)
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		a.errorf("usage: overfloatctl read [-module m] <path>")
		return errUsage
	}

	client, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	res, err := client.ReadFile(ctx, ipc.ReadFileRequest{
		Path:            fs.Arg(0),
		UseRelativePath: *module != "",
		ModuleName:      *module,
	})
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if a.asJSON {
		return a.printJSON(res)
	}
	if !res.Successful {
		return fmt.Errorf("read %s: %s", res.Path, res.Message)
	}
	fmt.Fprint(a.out, res.Message)
	return nil
}

func (a *app) cmdWrite(ctx context.Context, args []string) error {
	fs, module := moduleFlags("write", a.errOut)
	appendMode := fs.Bool("append", false, "append instead of truncating")
	if err := fs.Parse(args); err != nil || fs.NArg() < 1 || fs.NArg() > 2 {
		a.errorf("usage: overfloatctl write [-module m] [-append] <path> [content]")
		return errUsage
	}

	var content string
	if fs.NArg() == 2 {
		content = fs.Arg(1)
	} else {
		data, err := io.ReadAll(a.in)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		content = string(data)
	}

	client, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	res, err := client.WriteFile(ctx, ipc.WriteFileRequest{
		Content:         content,
		Path:            fs.Arg(0),
		AppendMode:      *appendMode,
		UseRelativePath: *module != "",
		ModuleName:      *module,
	})
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if a.asJSON {
		return a.printJSON(res)
	}
	if !res.Successful {
		return fmt.Errorf("write %s: %s", res.Path, res.Message)
	}
	fmt.Fprintf(a.out, "  wrote %d bytes to %s\n", len(content), res.Path)
	return nil
}

// cmdDocument implements "config get|set" and "profiles get|set". The body
// for set comes from a file argument or stdin.
func (a *app) cmdDocument(ctx context.Context, doc string, args []string) error {
	if len(args) < 1 || (args[0] != "get" && args[0] != "set") {
		a.errorf("usage: overfloatctl %s get|set [file]", doc)
		return errUsage
	}

	var body string
	if args[0] == "set" {
		var (
			data []byte
			err  error
		)
		if len(args) > 1 && args[1] != "-" {
			data, err = os.ReadFile(args[1])
		} else {
			data, err = io.ReadAll(a.in)
		}
		if err != nil {
			return fmt.Errorf("read %s body: %w", doc, err)
		}
		body = string(data)
	}

	client, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	switch {
	case args[0] == "get" && doc == "config":
		body, err = client.GetConfig(ctx)
	case args[0] == "get":
		body, err = client.GetProfiles(ctx)
	case doc == "config":
		err = client.SaveConfig(ctx, body)
	default:
		err = client.SaveProfiles(ctx, body)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", doc, args[0], err)
	}

	if args[0] == "set" {
		if !a.asJSON {
			fmt.Fprintf(a.out, "  saved %s (%d bytes)\n", doc, len(body))
		}
		return nil
	}
	if a.asJSON {
		return a.printJSON(map[string]string{doc: body})
	}
	fmt.Fprintln(a.out, body)
	return nil
}
