package main

// snapshot_gen writes a synthetic serialized snapshot with a chosen epoch.
// Useful for exercising the resume path (Config.SnapshotPath) without running
// a training job first:
//
//	go run ./tools/snapshot_gen -epoch 5 -weights 4096 -out model.pt.tar
//
// The output uses the default JSON codec, so acute.JSONSerializer.ReadEpoch
// can recover the epoch from it.
//
// © 2025 ACUTE authors. MIT License.

import (
	"flag"
	"fmt"
	"math/rand"
	"os"

	acute "github.com/acuteteam/acute/pkg"
)

func main() {
	epoch := flag.Int("epoch", 1, "epoch to record in the snapshot")
	weights := flag.Int("weights", 1024, "number of synthetic weight values")
	seed := flag.Int64("seed", 42, "RNG seed for the synthetic weights")
	out := flag.String("out", "snapshot.pt.tar", "output file")
	flag.Parse()

	rng := rand.New(rand.NewSource(*seed))
	w := make([]float64, *weights)
	for i := range w {
		w[i] = rng.NormFloat64()
	}

	data, err := acute.JSONSerializer{}.Marshal(map[string]any{
		"epoch":   *epoch,
		"weights": w,
	})
	if err != nil {
		fatal(err)
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		fatal(err)
	}
	fmt.Printf("wrote %s (%d bytes, epoch %d)\n", *out, len(data), *epoch)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "snapshot_gen:", err)
	os.Exit(1)
}
