// Copyright 2026 The cask Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Command caskload loads key:value lines into a cask store.
//
//	caskload -dir ./db < pairs.txt
//	caskload -dir ./db -gen 1000000 -merge
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/bpowers/cask"
)

func main() {
	var (
		dir     = flag.String("dir", "", "store directory (required)")
		input   = flag.String("input", "", "file of key:value lines (default stdin)")
		gen     = flag.Int("gen", 0, "load this many generated pairs instead of reading input")
		merge   = flag.Bool("merge", false, "merge the store after loading")
		maxSeg  = flag.Int64("max-segment-size", cask.DefaultMaxSegmentSize, "segment rotation size in bytes")
		verbose = flag.Bool("v", false, "log recovery and merge progress")
	)
	flag.Parse()

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "caskload: -dir is required")
		flag.Usage()
		os.Exit(2)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(logger, *dir, *input, *gen, *merge, *maxSeg); err != nil {
		fmt.Fprintf(os.Stderr, "caskload: %s\n", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, dir, input string, gen int, merge bool, maxSeg int64) error {
	c, err := cask.Open(dir, cask.WithLogger(logger), cask.WithMaxSegmentSize(maxSeg))
	if err != nil {
		return fmt.Errorf("cask.Open: %w", err)
	}

	var n int
	if gen > 0 {
		n, err = generate(c, gen)
	} else {
		var r io.Reader = os.Stdin
		if input != "" {
			f, openErr := os.Open(input)
			if openErr != nil {
				_ = c.Close()
				return fmt.Errorf("os.Open: %w", openErr)
			}
			defer func() { _ = f.Close() }()
			r = f
		}
		n, err = load(c, r)
	}
	if err != nil {
		_ = c.Close()
		return err
	}
	logger.Info("loaded pairs", "count", n)

	if merge {
		if err := c.Merge(); err != nil {
			_ = c.Close()
			return fmt.Errorf("Merge: %w", err)
		}
	}

	stats := c.Stats()
	if err := c.Close(); err != nil {
		return fmt.Errorf("Close: %w", err)
	}
	fmt.Printf("%d pairs written; %d keys in %d segments\n", n, stats.Keys, stats.Segments)
	return nil
}
