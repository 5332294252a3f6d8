package main

// main.go implements the acute-inspect CLI: it opens the checkpoint manifest
// written by a remote sink and prints the recorded checkpoints either as a
// pretty table or as JSON. Periodic watch mode re-reads the manifest at an
// interval, which is handy while a training job is still running.
//
// The manifest is an embedded BadgerDB directory; point -manifest at the same
// path the sink was started with (WithManifestDir).
//
// Build-time flag: `-ldflags "-X main.version=vX.Y.Z"` is set by the release
// pipeline.
// ---------------------------------------------------------------
// © 2025 ACUTE authors. MIT License.

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/acuteteam/acute/internal/manifest"
)

var version = "dev"

type options struct {
	manifestDir string
	jsonOut     bool
	last        int
	watch       bool
	interval    time.Duration
	version     bool
}

func parseFlags() *options {
	opts := &options{}
	flag.StringVar(&opts.manifestDir, "manifest", "", "path to the checkpoint manifest directory")
	flag.BoolVar(&opts.jsonOut, "json", false, "emit JSON instead of a table")
	flag.IntVar(&opts.last, "n", 0, "show only the last N checkpoints (0 = all)")
	flag.BoolVar(&opts.watch, "watch", false, "re-read the manifest periodically")
	flag.DurationVar(&opts.interval, "interval", 5*time.Second, "watch interval")
	flag.BoolVar(&opts.version, "version", false, "print version and exit")
	flag.Parse()
	return opts
}

func main() {
	opts := parseFlags()

	if opts.version {
		fmt.Println(version)
		return
	}
	if opts.manifestDir == "" {
		fatal(fmt.Errorf("-manifest is required"))
	}

	if opts.watch {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		ticker := time.NewTicker(opts.interval)
		defer ticker.Stop()
		for {
			if err := dumpOnce(opts); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
			select {
			case <-ticker.C:
				continue
			case <-sig:
				return
			}
		}
	}

	if err := dumpOnce(opts); err != nil {
		fatal(err)
	}
}

/* -------------------------------------------------------------------------
   Helpers
   ------------------------------------------------------------------------- */

func dumpOnce(opts *options) error {
	entries, err := loadEntries(opts.manifestDir)
	if err != nil {
		return err
	}
	if opts.last > 0 && len(entries) > opts.last {
		entries = entries[len(entries)-opts.last:]
	}

	if opts.jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	return prettyPrint(entries)
}

// loadEntries opens the manifest, reads everything, and closes it again so
// watch mode never holds the directory lock between ticks.
func loadEntries(dir string) ([]manifest.Entry, error) {
	store, err := manifest.Open(dir)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.List()
}

func prettyPrint(entries []manifest.Entry) error {
	if len(entries) == 0 {
		fmt.Println("no checkpoints recorded")
		return nil
	}
	fmt.Printf("%-6s %-22s %12s  %s\n", "CYCLE", "WRITTEN", "BYTES", "FILE")
	for _, e := range entries {
		fmt.Printf("%-6d %-22s %12d  %s\n",
			e.Cycle, e.WrittenAt.Format("2006-01-02 15:04:05"), e.Bytes, e.File)
	}
	return nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "acute-inspect:", err)
	os.Exit(1)
}
