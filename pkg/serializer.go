package acute

// serializer.go defines the snapshot codec boundary. The pipeline treats a
// snapshot as an opaque value: it is serialized once per cycle into an
// immutable byte sequence, sharded by range, and re-assembled bit-identically
// on the remote sink. Which wire representation those bytes use is the
// serializer's business, so the codec is an injected dependency with exactly
// two operations — Marshal for the egress path and ReadEpoch for resume.
//
// Every data-parallel replica must produce the same bytes for the same
// snapshot, otherwise slicing by range is unsound. Implementations therefore
// have to be deterministic.
//
// © 2025 ACUTE authors. MIT License.

import (
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Serializer converts a user snapshot to a self-describing byte stream, and
// extracts the stored epoch from a previously written checkpoint file.
type Serializer interface {
	Marshal(snapshot any) ([]byte, error)
	ReadEpoch(path string) (int, error)
}

// JSONSerializer is the default codec. Snapshots that carry an "epoch" field
// (struct tag or map key) are resumable.
type JSONSerializer struct{}

// Marshal encodes the snapshot. Deterministic for the snapshot shapes used in
// data-parallel training (same replica state on every leader).
func (JSONSerializer) Marshal(snapshot any) ([]byte, error) {
	return json.Marshal(snapshot)
}

// ReadEpoch decodes the epoch field from a checkpoint file written by this
// codec.
func (JSONSerializer) ReadEpoch(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("acute: read snapshot %s: %w", path, err)
	}
	var probe struct {
		Epoch *int `json:"epoch"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return 0, fmt.Errorf("acute: decode snapshot %s: %w", path, err)
	}
	if probe.Epoch == nil {
		return 0, fmt.Errorf("acute: snapshot %s has no epoch field", path)
	}
	return *probe.Epoch, nil
}
