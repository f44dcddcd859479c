// Command connbridge is a transparent, bidirectional, journaling TCP
// bridge. It accepts inbound connections on one or more listening
// endpoints and forwards each, byte for byte in both directions, to a
// single destination endpoint, while tee-ing every byte that crosses
// the bridge to a per-connection, per-direction append-only journal
// file on disk.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/TheCount/connbridge/internal/acceptor"
	"github.com/TheCount/connbridge/internal/addrutil"
	"github.com/TheCount/connbridge/internal/bridge"
	"github.com/TheCount/connbridge/internal/config"
	"github.com/TheCount/connbridge/internal/reactor"
)

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cmd := &cli.Command{
		Name:      "connbridge",
		Usage:     "transparent, journaling TCP bridge",
		ArgsUsage: "<source-host> <source-service> <destination-host> <destination-service>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "optional TOML file with operational tuning overrides",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 4 {
				return cli.Exit(
					fmt.Sprintf("usage: connbridge %s", "<source-host> <source-service> <destination-host> <destination-service>"),
					1,
				)
			}
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			return bridgeMain(ctx, logger, cfg,
				c.Args().Get(0), c.Args().Get(1),
				c.Args().Get(2), c.Args().Get(3),
			)
		},
	}

	if err := cmd.Run(context.Background(), args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// bridgeMain resolves source and destination, starts one listener per
// resolved source address (§4.5), and runs the dispatcher until no
// watched descriptors remain (§6's exit-code contract).
func bridgeMain(ctx context.Context, logger *slog.Logger, cfg config.Config, srcHost, srcService, dstHost, dstService string) error {
	journalDir := cfg.JournalDir
	if journalDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("determine working directory: %w", err)
		}
		journalDir = wd
	}

	destEndpoints, err := addrutil.ResolveAll(ctx, dstHost, dstService)
	if err != nil {
		return fmt.Errorf("resolve destination %s:%s: %w", dstHost, dstService, err)
	}
	dest := destEndpoints[0]

	srcEndpoints, err := addrutil.ResolveAll(ctx, srcHost, srcService)
	if err != nil {
		return fmt.Errorf("resolve source %s:%s: %w", srcHost, srcService, err)
	}

	rea, err := reactor.New()
	if err != nil {
		return fmt.Errorf("create readiness dispatcher: %w", err)
	}
	defer rea.Close()

	factory := bridge.NewFactory(rea, dest, journalDir, cfg.ChunkSize, cfg.IdleTimeout, logger)

	listeners := 0
	for _, ep := range srcEndpoints {
		if _, err := acceptor.Start(rea, ep, cfg.Backlog, factory, logger); err != nil {
			fmt.Fprintf(os.Stderr, "listener setup failed for %s: %s\n", ep, err)
			continue
		}
		listeners++
	}

	// The idle sweeper's timer is itself a watched descriptor, so it is
	// started only when there is at least one listener to serve.
	if listeners > 0 {
		if err := factory.StartIdleSweeper(idleSweepInterval(cfg.IdleTimeout)); err != nil {
			return fmt.Errorf("start idle sweeper: %w", err)
		}
	}

	// Every listener may have failed to start; per §7 that leaves the
	// dispatcher with nothing to watch, and Run returns cleanly rather
	// than this function treating it as a hard error (§6's exit-code
	// contract: 0 whenever the dispatcher returns with no active
	// watchers, regardless of why).
	return rea.Run()
}

// idleSweepInterval picks how often the idle-timeout sweep runs: a
// quarter of the timeout itself, floored at one second so a very short
// configured timeout does not turn into a busy sweep loop. Irrelevant
// when timeout is non-positive (StartIdleSweeper is a no-op then).
func idleSweepInterval(timeout time.Duration) time.Duration {
	interval := timeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}
