package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/drpcorg/blockdoc/relay"
	"github.com/drpcorg/blockdoc/utils"
)

const RelayVersion = "0.1.0"

const usage = `blockdoc relay.

Serves the editors of every page over WebSocket at /ws and exposes
/metrics and /healthz. Redis defaults to $REDIS_ADDR.

Usage:
    relay [--addr=<addr>] [--data=<dir>] [--redis=<addr>]
        [--heartbeat=<duration>] [--log-level=<level>]
    relay -h | --help
    relay --version

Options:
    -h --help               Show this screen.
    --version               Show version.
    --addr=<addr>           Listen address [default: :8080].
    --data=<dir>            Retention store directory, in memory when omitted.
    --redis=<addr>          Redis to share the fan-out with other relays.
    --heartbeat=<duration>  Heartbeat expected from silent clients [default: 4s].
    --log-level=<level>     debug, info, warn or error [default: info].`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], RelayVersion)
	if err != nil {
		panic(err)
	}

	levelName, _ := opts.String("--log-level")
	level, err := utils.ParseLevel(levelName)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := utils.NewDefaultLogger(level)

	ropts := relay.Options{Logger: log}
	ropts.Addr, _ = opts.String("--addr")
	ropts.DataDir, _ = opts.String("--data")
	ropts.RedisAddr, _ = opts.String("--redis")
	if ropts.RedisAddr == "" {
		ropts.RedisAddr = os.Getenv("REDIS_ADDR")
	}
	heartbeat, _ := opts.String("--heartbeat")
	if ropts.Heartbeat, err = time.ParseDuration(heartbeat); err != nil {
		fmt.Fprintf(os.Stderr, "bad heartbeat %q: %s\n", heartbeat, err)
		os.Exit(2)
	}

	r, err := relay.New(ropts)
	if err != nil {
		log.Error("relay: cannot start", "err", err)
		os.Exit(1)
	}
	defer r.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := r.ListenAndServe(ctx); err != nil {
		log.Error("relay: serve failed", "err", err)
		_ = r.Close()
		os.Exit(1)
	}
}
