package acute

// config.go defines the configuration record consumed by Init and the set of
// functional options that plug in external collaborators (logger, metrics
// registry, snapshot codec, training collective, device binder).
//
// Design notes
// ------------
// • Config carries the launcher-validated knobs of a run; it is plain data
//   with no behaviour. Unknown keys cannot occur — the struct is the schema.
// • Options never allocate unless strictly necessary; they capture pointers
//   to external objects (registry, logger, ...).
// • All remaining validation happens synchronously in Init, before any
//   worker goroutine starts.
//
// © 2025 ACUTE authors. MIT License.

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Config is the pre-validated configuration record. One field per recognized
// option of the run.
type Config struct {
	// Rendezvous for the external training collective.
	TrainingMasterAddr string
	TrainingMasterPort string

	// Save-count inputs.
	TotalEpochs   int
	SavePeriod    int
	StartingEpoch int

	// Resume snapshot; when set, its stored epoch overrides StartingEpoch.
	SnapshotPath string

	// Remote sink shape.
	RemoteBufferSize int // ring depth K
	ShardSize        int // number of shard leaders S

	// Output file naming.
	ModelName               string
	FileNameIncludeDatetime bool
	FileSaveInDictionary    bool

	// Start trainer worker threads at the end of Init.
	TrainNodeAutoStart bool
}

// Collective is the external data-parallel training backend. The fabric
// registers the process group once per trainer and destroys it at shutdown;
// the backend reads MASTER_ADDR / MASTER_PORT from the environment published
// before Init is called.
type Collective interface {
	Init(rank, worldSize int) error
	Destroy() error
}

type nopCollective struct{}

func (nopCollective) Init(int, int) error { return nil }
func (nopCollective) Destroy() error      { return nil }

// Option is the functional option passed to Init.
type Option func(*options)

// options bundles the injectable collaborators. Immutable once Init returns.
type options struct {
	logger       *zap.Logger
	registry     *prometheus.Registry
	serializer   Serializer
	collective   Collective
	deviceBinder func(localRank int) error
	outputDir    string
	manifestDir  string
}

func defaultOptions() *options {
	return &options{
		logger:     zap.NewNop(),
		serializer: JSONSerializer{},
		collective: nopCollective{},
		outputDir:  ".",
	}
}

/*
   ---------------- Functional options exposed to users ----------------
*/

// WithLogger plugs an external zap.Logger. The fabric never logs on the
// per-chunk hot path; only cycle-level and lifecycle events are emitted.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics enables Prometheus metrics collection. Passing nil disables
// metrics (default).
func WithMetrics(reg *prometheus.Registry) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// WithSerializer overrides the default JSON snapshot codec. The codec must be
// deterministic across data-parallel replicas.
func WithSerializer(s Serializer) Option {
	return func(o *options) {
		if s != nil {
			o.serializer = s
		}
	}
}

// WithCollective plugs the external training collective backend. The default
// is a no-op, for runs that manage the process group themselves.
func WithCollective(c Collective) Option {
	return func(o *options) {
		if c != nil {
			o.collective = c
		}
	}
}

// WithDeviceBinder registers a hook invoked with the local rank before
// training starts, typically to pin the accelerator device.
func WithDeviceBinder(fn func(localRank int) error) Option {
	return func(o *options) {
		o.deviceBinder = fn
	}
}

// WithOutputDir sets the directory checkpoint files are written under on the
// remote sink. Defaults to the working directory.
func WithOutputDir(dir string) Option {
	return func(o *options) {
		if dir != "" {
			o.outputDir = dir
		}
	}
}

// WithManifestDir enables the checkpoint manifest on the remote sink: one
// entry per durably written file, stored in an embedded BadgerDB at dir.
func WithManifestDir(dir string) Option {
	return func(o *options) {
		o.manifestDir = dir
	}
}

/*
   ---------------- Validation ----------------
*/

func (c Config) validate() error {
	if c.RemoteBufferSize < 1 {
		return errInvalidBufferSize
	}
	if c.ShardSize < 1 {
		return errInvalidShardSize
	}
	if c.SavePeriod < 1 {
		return errInvalidSavePeriod
	}
	if c.ModelName == "" {
		return errNoModelName
	}
	return nil
}

/*
   ---------------- Error values ----------------
*/

var (
	// ErrShardSizeTooLarge is returned by Init when the configured shard size
	// exceeds the number of shard leaders discovered by the all-gather.
	ErrShardSizeTooLarge = errors.New("acute: shard size exceeds available shard leaders")

	// ErrAlreadyStarted is returned by a second Start on the same node.
	ErrAlreadyStarted = errors.New("acute: node already started")

	// ErrNotStarted is returned by Save before Start.
	ErrNotStarted = errors.New("acute: node not started")

	errInvalidBufferSize = errors.New("acute: remote buffer size must be >= 1")
	errInvalidShardSize  = errors.New("acute: shard size must be >= 1")
	errInvalidSavePeriod = errors.New("acute: save period must be >= 1")
	errNoModelName       = errors.New("acute: model name must not be empty")
)
