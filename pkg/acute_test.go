package acute

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// Configuration errors must fail synchronously from Init, before the fabric
// is dialed or any worker starts.
func TestInitRejectsInvalidConfig(t *testing.T) {
	base := Config{
		RemoteBufferSize: 1,
		ShardSize:        1,
		SavePeriod:       1,
		ModelName:        "model",
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"zero buffer", func(c *Config) { c.RemoteBufferSize = 0 }, errInvalidBufferSize},
		{"zero shards", func(c *Config) { c.ShardSize = 0 }, errInvalidShardSize},
		{"zero period", func(c *Config) { c.SavePeriod = 0 }, errInvalidSavePeriod},
		{"no model name", func(c *Config) { c.ModelName = "" }, errNoModelName},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := base
			c.mutate(&cfg)
			_, _, _, err := Init(cfg)
			if !errors.Is(err, c.want) {
				t.Fatalf("Init err = %v, want %v", err, c.want)
			}
		})
	}
}

func TestInitRejectsMissingSnapshot(t *testing.T) {
	cfg := Config{
		RemoteBufferSize: 1,
		ShardSize:        1,
		SavePeriod:       1,
		ModelName:        "model",
		SnapshotPath:     filepath.Join(t.TempDir(), "absent.pt.tar"),
	}
	_, _, _, err := Init(cfg)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Init err = %v, want wrapped os.ErrNotExist", err)
	}
}

// The default codec round-trips the epoch field used by resume.
func TestJSONSerializerReadEpoch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.pt.tar")

	data, err := JSONSerializer{}.Marshal(map[string]any{"epoch": 5, "weights": []int{1, 2}})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	epoch, err := JSONSerializer{}.ReadEpoch(path)
	if err != nil {
		t.Fatalf("ReadEpoch: %v", err)
	}
	if epoch != 5 {
		t.Fatalf("epoch = %d, want 5", epoch)
	}
}

func TestJSONSerializerReadEpochMissingField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.pt.tar")
	if err := os.WriteFile(path, []byte(`{"weights":[1]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := (JSONSerializer{}).ReadEpoch(path); err == nil {
		t.Fatal("ReadEpoch accepted a snapshot without an epoch field")
	}
}
