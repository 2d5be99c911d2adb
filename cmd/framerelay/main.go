// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// framerelay forwards a virtual machine's display frames and cursor
// from the capture agent's shared-memory ring to a remote viewer.
//
// The relay listens on one TCP port. A viewer opens two connections,
// a cursor channel and a frame channel, each introduced by a hello
// that names the channel and the protocol version. Once both are up
// the relay runs a session until the viewer disconnects, goes silent,
// or violates the protocol, and then waits for the next viewer unless
// --once is set.
//
// With --synthetic the relay renders a moving test pattern in process
// instead of attaching to a capture agent, which validates a viewer
// and the link between them without a VM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/framerelay/fabric"
	"github.com/bureau-foundation/framerelay/lib/config"
	"github.com/bureau-foundation/framerelay/lib/process"
	"github.com/bureau-foundation/framerelay/lib/version"
	"github.com/bureau-foundation/framerelay/protocol"
	"github.com/bureau-foundation/framerelay/relay"
	"github.com/bureau-foundation/framerelay/transport"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

// options holds flag values that override the loaded configuration.
type options struct {
	configPath  string
	verbose     bool
	address     string
	port        int
	sharedPath  string
	sharedSize  int64
	interval    time.Duration
	timeout     time.Duration
	keepalive   time.Duration
	compression string
	integrity   bool
	once        bool
	synthetic   bool
	width       int
	height      int
	fps         int
}

func run() error {
	var flags options

	flagSet := pflag.NewFlagSet("framerelay", pflag.ContinueOnError)
	flagSet.StringVarP(&flags.configPath, "config", "c", "", "configuration file (YAML or JSONC; default: $"+config.EnvironmentVariable+")")
	flagSet.BoolVarP(&flags.verbose, "verbose", "v", false, "log at debug level")
	flagSet.StringVarP(&flags.address, "address", "a", "", "listen address")
	flagSet.IntVarP(&flags.port, "port", "p", 0, "listen port")
	flagSet.StringVarP(&flags.sharedPath, "shm", "f", "", "shared-memory file of the capture ring (with --synthetic, empty maps anonymous memory)")
	flagSet.Int64Var(&flags.sharedSize, "shm-size", 0, "bytes of the shared-memory file to map (0: whole file)")
	flagSet.DurationVar(&flags.interval, "interval", 0, "idle poll interval")
	flagSet.DurationVarP(&flags.timeout, "timeout", "t", 0, "peer liveness and ring init deadline")
	flagSet.DurationVar(&flags.keepalive, "keepalive", 0, "send silence before a keepalive (default: timeout/3)")
	flagSet.StringVar(&flags.compression, "compression", "", "write payload compression: none, lz4 or zstd")
	flagSet.BoolVar(&flags.integrity, "integrity", false, "append and verify a blake3 digest on every write")
	flagSet.BoolVar(&flags.once, "once", false, "serve one viewer session and exit")
	flagSet.BoolVar(&flags.synthetic, "synthetic", false, "relay an in-process test pattern instead of a capture ring")
	flagSet.IntVar(&flags.width, "synthetic-width", 1280, "test pattern width")
	flagSet.IntVar(&flags.height, "synthetic-height", 720, "test pattern height")
	flagSet.IntVar(&flags.fps, "synthetic-fps", 30, "test pattern frame rate")
	flagSet.BoolP("help", "h", false, "show help")

	// Handle --version before flag parsing to match the other binaries.
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Println(version.Full())
		return nil
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return process.WithCode(process.ExitUsage, err)
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return process.WithCode(process.ExitUsage, fmt.Errorf("unexpected argument: %s", args[0]))
	}

	if os.Geteuid() == 0 {
		return process.WithCode(process.ExitUsage, errors.New("refusing to run as root"))
	}

	cfg, err := loadConfig(flagSet, &flags)
	if err != nil {
		return process.WithCode(process.ExitUsage, err)
	}

	logger := newLogger(flags.verbose)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	source, err := openRing(ctx, cfg, &flags, logger)
	if err != nil {
		return err
	}
	defer source.Close()

	return serve(ctx, cfg, source, logger)
}

// loadConfig reads the configuration file, applies the flags the user
// set, and validates the result.
func loadConfig(flagSet *pflag.FlagSet, flags *options) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if flags.configPath != "" {
		cfg, err = config.LoadFile(flags.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if flagSet.Changed("address") {
		cfg.Listen.Address = flags.address
	}
	if flagSet.Changed("port") {
		cfg.Listen.Port = flags.port
	}
	if flagSet.Changed("shm") {
		cfg.SharedMemory.Path = flags.sharedPath
	}
	if flagSet.Changed("shm-size") {
		cfg.SharedMemory.Size = flags.sharedSize
	}
	if flagSet.Changed("interval") {
		cfg.Timing.Interval = flags.interval
	}
	if flagSet.Changed("timeout") {
		cfg.Timing.Timeout = flags.timeout
	}
	if flagSet.Changed("keepalive") {
		cfg.Timing.Keepalive = flags.keepalive
	}
	if flagSet.Changed("compression") {
		cfg.Transport.Compression = flags.compression
	}
	if flagSet.Changed("integrity") {
		cfg.Transport.Integrity = flags.integrity
	}
	if flagSet.Changed("once") {
		cfg.Once = flags.once
	}
	if flagSet.Changed("synthetic") {
		cfg.Synthetic = flags.synthetic
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// serve accepts viewers one at a time until ctx is cancelled, a
// session ends in an error a new viewer would also hit, or cfg.Once
// is set and one session has ended.
func serve(ctx context.Context, cfg *config.Config, source *ringSource, logger *slog.Logger) error {
	compression, err := fabric.ParseCompression(cfg.Transport.Compression)
	if err != nil {
		return process.WithCode(process.ExitUsage, err)
	}

	listener, err := transport.NewTCPListener(cfg.ListenAddress())
	if err != nil {
		return err
	}
	defer listener.Close()

	logger.Info("relay listening",
		"address", listener.Address(),
		"version", version.Info(),
		"compression", compression.String(),
		"integrity", cfg.Transport.Integrity,
	)

	local := transport.NewHello(transport.ChannelCursor, protocol.Version, version.Name())
	for {
		conns, err := transport.AcceptSession(ctx, listener, local, cfg.Timing.Timeout, logger)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("relay stopping")
				return nil
			}
			if errors.Is(err, transport.ErrVersionMismatch) {
				return process.WithCode(process.ExitIncompatible, err)
			}
			return fmt.Errorf("accepting viewer: %w", err)
		}

		err = runSession(ctx, cfg, compression, conns, source, logger)
		switch {
		case err == nil:
			if ctx.Err() != nil {
				logger.Info("relay stopping")
				return nil
			}
		case relay.IsRecoverable(err):
			logger.Info("viewer session ended", "error", err)
		default:
			var channelErr *relay.ChannelError
			if errors.As(err, &channelErr) && channelErr.Reason == relay.ReasonVersion {
				return process.WithCode(process.ExitIncompatible, err)
			}
			return err
		}
		if cfg.Once {
			return nil
		}
	}
}

// runSession wraps the two connections in fabric endpoints and relays
// until the session ends.
func runSession(ctx context.Context, cfg *config.Config, compression fabric.Compression, conns *transport.SessionConns, source *ringSource, logger *slog.Logger) error {
	defer conns.Close()

	sessionLogger := logger.With(
		"viewer", conns.Cursor.RemoteAddr().String(),
		"software", conns.Peer.Software,
	)
	sessionLogger.Info("viewer connected")

	cursor, err := fabric.NewStreamEndpoint(conns.Cursor, fabric.Options{
		Name:        string(transport.ChannelCursor),
		Compression: compression,
		Integrity:   cfg.Transport.Integrity,
		Logger:      sessionLogger,
	})
	if err != nil {
		return fmt.Errorf("cursor endpoint: %w", err)
	}
	defer cursor.Close()

	frame, err := fabric.NewStreamEndpoint(conns.Frame, fabric.Options{
		Name:        string(transport.ChannelFrame),
		Compression: compression,
		Integrity:   cfg.Transport.Integrity,
		Logger:      sessionLogger,
	})
	if err != nil {
		return fmt.Errorf("frame endpoint: %w", err)
	}
	defer frame.Close()

	session, err := relay.NewSession(relay.Config{
		Cursor:    cursor,
		Frame:     frame,
		Ring:      source.open,
		Interval:  cfg.Timing.Interval,
		Timeout:   cfg.Timing.Timeout,
		Keepalive: cfg.KeepaliveInterval(),
		RelayName: version.Name(),
		Logger:    sessionLogger,
	})
	if err != nil {
		return err
	}

	err = session.Run(ctx)
	stats := session.Stats()
	sessionLogger.Info("viewer disconnected",
		"frames", stats.FramesForwarded,
		"frames_deferred", stats.FramesDeferred,
		"frames_discarded", stats.FramesDiscarded,
		"cursor_updates", stats.CursorUpdates,
		"shapes_dropped", stats.ShapesDropped,
	)
	return err
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `framerelay relays a VM's display frames and cursor from the capture
agent's shared-memory ring to a remote viewer.

Configuration is read from --config, or from the file named by
$%s, and individual flags override it.

Usage:
  framerelay [flags]

Examples:
  # Relay the default ring to viewers on port 5900
  framerelay

  # Serve one viewer from a custom ring file, compressing frames
  framerelay --shm /dev/shm/vm0 --compression zstd --once

  # Validate a viewer without a VM
  framerelay --synthetic --synthetic-width 640 --synthetic-height 480

Flags:
`, config.EnvironmentVariable)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
