// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/framerelay/lib/config"
	"github.com/bureau-foundation/framerelay/lib/process"
	"github.com/bureau-foundation/framerelay/lib/shm"
	"github.com/bureau-foundation/framerelay/ring"
)

// errNoCaptureClient is returned when the relay is asked to attach to
// a capture agent's ring. The agent's ring protocol is implemented
// outside this module; only the in-process producer ships with it.
var errNoCaptureClient = errors.New("this build has no capture agent ring client; run with --synthetic")

// ringSource owns the shared memory and the producer behind it for
// the life of the process. Sessions open fresh clients from it.
type ringSource struct {
	region *shm.Region
	open   func() ring.Client

	cancel context.CancelFunc
	done   chan error
}

// openRing prepares the ring the relay reads from. In synthetic mode
// the test-pattern producer runs until Close in the configured
// shared-memory file, so other processes can inspect it, or in
// anonymous memory when shared_memory.path is empty. The file is grown
// to the larger of shared_memory.size and what the pattern needs.
func openRing(ctx context.Context, cfg *config.Config, flags *options, logger *slog.Logger) (*ringSource, error) {
	if !cfg.Synthetic {
		return nil, process.WithCode(process.ExitUsage, errNoCaptureClient)
	}

	size := max(int64(ring.SyntheticRegionSize(flags.width, flags.height)), cfg.SharedMemory.Size)
	var region *shm.Region
	var err error
	if path := cfg.SharedMemory.Path; path != "" {
		region, err = shm.Open(path, size)
	} else {
		region, err = shm.Anonymous(int(size))
	}
	if err != nil {
		return nil, err
	}
	logger.Info("synthetic ring mapped", "path", region.Path(), "size", region.Size())

	producer, err := ring.NewSynthetic(region.Bytes(), ring.SyntheticConfig{
		Width:  flags.width,
		Height: flags.height,
		FPS:    flags.fps,
		Logger: logger.With("component", "synthetic"),
	})
	if err != nil {
		region.Close()
		return nil, process.WithCode(process.ExitUsage, err)
	}

	runContext, cancel := context.WithCancel(ctx)
	source := &ringSource{
		region: region,
		open:   producer.Host().Open,
		cancel: cancel,
		done:   make(chan error, 1),
	}
	go func() {
		source.done <- producer.Run(runContext)
	}()
	return source, nil
}

// Close stops the producer and unmaps the region.
func (s *ringSource) Close() error {
	s.cancel()
	runErr := <-s.done
	if err := s.region.Close(); err != nil {
		return fmt.Errorf("closing ring memory: %w", err)
	}
	return runErr
}
