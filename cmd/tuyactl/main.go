// Command tuyactl calls the Tuya plugin's native methods from a shell.
//
//	tuyactl [-config file] methods
//	tuyactl [-config file] [-timeout 10s] call <method> [arg...]
//	tuyactl [-config file] [-for 30s] live <devId>
//
// Arguments to call are positional strings. An argument that is a JSON object,
// array or quoted string is sent as that JSON value instead.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"
	"tuya-bridge/client"
	"tuya-bridge/config"
	"tuya-bridge/dispatch"
	"tuya-bridge/loadbalance"
	"tuya-bridge/message"
	"tuya-bridge/natsbridge"
	"tuya-bridge/tuya"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Exit codes.
const (
	exitOK      = 0
	exitUsage   = 1
	exitFailure = 2 // the native handler reported a failure
	exitError   = 3 // the call did not reach the native handler
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func usage(stderr io.Writer, fs *flag.FlagSet) {
	fmt.Fprintln(stderr, "usage: tuyactl [flags] methods | call <method> [arg...] | live <devId>")
	fs.PrintDefaults()
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("tuyactl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to a YAML config file")
	timeout := fs.Duration("timeout", 0, "give up on a call after this long (0 waits forever)")
	liveFor := fs.Duration("for", 0, "stop a live session after this long (0 runs until interrupted)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() == 0 {
		usage(stderr, fs)
		return exitUsage
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	if cmd == "methods" {
		printMethods(stdout)
		return exitOK
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	logger, err := cfg.Logger()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	defer logger.Sync()

	d, closeDispatcher, err := newDispatcher(cfg, logger)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	defer closeDispatcher()

	switch cmd {
	case "call":
		if len(rest) == 0 {
			usage(stderr, fs)
			return exitUsage
		}
		if *timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, *timeout)
			defer cancel()
		}
		return call(ctx, d, cfg.PluginID, rest[0], rest[1:], stdout, stderr)
	case "live":
		if len(rest) != 1 {
			usage(stderr, fs)
			return exitUsage
		}
		p, err := tuya.New(d, tuya.Config{PluginID: cfg.PluginID}, tuya.WithLogger(logger))
		if err != nil {
			fmt.Fprintln(stderr, err)
			return exitUsage
		}
		if *liveFor > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, *liveFor)
			defer cancel()
		}
		return live(ctx, p, rest[0], stdout, stderr)
	}
	usage(stderr, fs)
	return exitUsage
}

// newDispatcher reaches hosts over NATS when a URL is configured and over TCP otherwise.
func newDispatcher(cfg *config.Config, logger *zap.Logger) (dispatch.Dispatcher, func(), error) {
	if cfg.Client.NATSURL != "" {
		nc, err := nats.Connect(cfg.Client.NATSURL, nats.Name("tuyactl"))
		if err != nil {
			return nil, nil, fmt.Errorf("nats connect: %w", err)
		}
		d := natsbridge.NewDispatcher(nc,
			natsbridge.WithPrefix(cfg.Client.NATSPrefix),
			natsbridge.WithCodec(cfg.CodecType()),
			natsbridge.WithLogger(logger),
		)
		return d, nc.Close, nil
	}

	reg, closeRegistry, err := cfg.OpenRegistry(logger)
	if err != nil {
		return nil, nil, err
	}
	bal, err := loadbalance.New(cfg.Client.Balancer)
	if err != nil {
		closeRegistry()
		return nil, nil, err
	}
	c := client.NewClient(reg, bal,
		client.WithCodec(cfg.CodecType()),
		client.WithPoolSize(cfg.Client.PoolSize),
		client.WithLogger(logger),
	)
	return c, func() {
		c.Close()
		closeRegistry()
	}, nil
}

func printMethods(w io.Writer) {
	for _, m := range tuya.Methods() {
		kind := "call"
		if m.Stream {
			kind = "live"
		}
		fmt.Fprintf(w, "%-30s %-4s %s\n", m.Name, kind, strings.Join(m.Params, " "))
	}
}

// parseArg passes JSON objects, arrays and quoted strings through; anything
// else, numbers included, is sent as a string since ids are strings natively.
func parseArg(s string) any {
	trimmed := strings.TrimSpace(s)
	if trimmed != "" && strings.ContainsRune(`{["`, rune(trimmed[0])) && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	return s
}

func call(ctx context.Context, d dispatch.Dispatcher, pluginID, method string, rawArgs []string, stdout, stderr io.Writer) int {
	m, ok := tuya.Lookup(method)
	if !ok {
		fmt.Fprintf(stderr, "unknown method %q (see tuyactl methods)\n", method)
		return exitUsage
	}
	if m.Stream {
		fmt.Fprintf(stderr, "%s is a live method; use tuyactl live\n", method)
		return exitUsage
	}
	if len(rawArgs) != len(m.Params) {
		fmt.Fprintf(stderr, "%s takes %d arguments (%s), got %d\n", method, len(m.Params), strings.Join(m.Params, ", "), len(rawArgs))
		return exitUsage
	}

	args := make([]any, len(rawArgs))
	for i, a := range rawArgs {
		args[i] = parseArg(a)
	}

	v, err := d.Dispatch(ctx, message.Call{Plugin: pluginID, Method: method, Args: args})
	if err != nil {
		if ne, ok := dispatch.IsNative(err); ok {
			fmt.Fprintln(stderr, pretty(ne.Payload))
			return exitFailure
		}
		fmt.Fprintln(stderr, err)
		return exitError
	}
	fmt.Fprintln(stdout, pretty(v))
	return exitOK
}

func live(ctx context.Context, p *tuya.Plugin, devID string, stdout, stderr io.Writer) int {
	var failed atomic.Bool
	sub := p.IPC.StartCameraLivePlay(ctx, tuya.LivePlayParams{DevID: devID},
		func(v json.RawMessage) {
			fmt.Fprintf(stdout, "%s %s\n", time.Now().Format(time.TimeOnly), v)
		},
		func(err error) {
			failed.Store(true)
			if ne, ok := dispatch.IsNative(err); ok {
				fmt.Fprintf(stderr, "%s error %s\n", time.Now().Format(time.TimeOnly), ne.Payload)
				return
			}
			fmt.Fprintf(stderr, "%s %v\n", time.Now().Format(time.TimeOnly), err)
		},
	)
	<-ctx.Done()
	if err := sub.Close(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(stderr, err)
	}
	if failed.Load() {
		return exitFailure
	}
	return exitOK
}

func pretty(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
