// Package protocolconfig holds the network's runtime tunables: round-delay
// constants, the computation orchestrator's bounded parallelism, and the
// archive writer's size/time cut thresholds. Values are frozen once
// loaded for a protocol version, following an immutable-struct-plus-
// Validate-method pattern.
package protocolconfig

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/dwallet-labs/ika/errs"
	"github.com/dwallet-labs/ika/protocolversion"
)

// RequestKind identifies an MPC protocol kind for round-delay lookups.
type RequestKind uint8

const (
	RequestDKG RequestKind = iota
	RequestImportedKeyVerification
	RequestPresign
	RequestSign
	RequestNetworkDKG
	RequestNetworkReconfiguration
	RequestEncryptedShareVerification
	RequestPartialSignatureVerification
)

// Parameters are the frozen, per-protocol-version tunables.
type Parameters struct {
	Version protocolversion.Version

	// OrchestratorParallelism is the maximum number of concurrent
	// computations the orchestrator runs.
	OrchestratorParallelism int

	// NetworkDKGThirdRoundDelay is the number of consensus rounds that
	// must elapse after a network-DKG round-3 message set becomes
	// qualified before the advance may be dispatched.
	NetworkDKGThirdRoundDelay uint64

	// ReconfigurationThirdRoundDelay is the reconfiguration analogue of
	// NetworkDKGThirdRoundDelay.
	ReconfigurationThirdRoundDelay uint64

	// ArchiveCommitFileSize is the size, in bytes, at which the archive
	// writer cuts a blob file.
	ArchiveCommitFileSize uint64

	// ArchiveCommitDuration is the time since the last cut at which the
	// archive writer cuts a blob file even if ArchiveCommitFileSize has
	// not been reached.
	ArchiveCommitDuration time.Duration

	// ArchiveDownloadConcurrency bounds concurrent blob downloads in the
	// archive reader.
	ArchiveDownloadConcurrency int

	// ManifestSyncInterval is how often the archive reader refreshes its
	// cached manifest from the remote store.
	ManifestSyncInterval time.Duration

	// ProcessedCacheCapacity bounds the consensus handler's
	// deduplication LRU ("PROCESSED_CACHE_CAP ≈ 2^20").
	ProcessedCacheCapacity int
}

// RoundDelay returns the round-delay constant for kind at mpcRound: only
// network-DKG round 3 and reconfiguration round 3 carry a positive delay;
// every other (kind, round) pair delays zero rounds.
func (p Parameters) RoundDelay(kind RequestKind, mpcRound uint64) uint64 {
	switch {
	case kind == RequestNetworkDKG && mpcRound == 3:
		return p.NetworkDKGThirdRoundDelay
	case kind == RequestNetworkReconfiguration && mpcRound == 3:
		return p.ReconfigurationThirdRoundDelay
	default:
		return 0
	}
}

// Validate checks the parameters are internally consistent.
func (p Parameters) Validate() error {
	if p.OrchestratorParallelism <= 0 {
		return errs.MarkInvariant(errors.New("protocolconfig: OrchestratorParallelism must be positive"))
	}
	if p.ArchiveCommitFileSize == 0 {
		return errs.MarkInvariant(errors.New("protocolconfig: ArchiveCommitFileSize must be positive"))
	}
	if p.ArchiveDownloadConcurrency <= 0 {
		return errs.MarkInvariant(errors.New("protocolconfig: ArchiveDownloadConcurrency must be positive"))
	}
	if p.ProcessedCacheCapacity <= 0 {
		return errs.MarkInvariant(errors.New("protocolconfig: ProcessedCacheCapacity must be positive"))
	}
	return nil
}

// yamlDuration unmarshals YAML duration strings ("45s", "1m30s") into a
// time.Duration; the bare type has no such support since it is just an
// int64 underneath.
type yamlDuration time.Duration

func (d *yamlDuration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return err
	}
	*d = yamlDuration(parsed)
	return nil
}

// Overrides is an operator-supplied YAML document carrying a subset of
// Parameters; any field left nil keeps Default's value. This replaces the
// source's process-wide override globals with an explicit,
// dependency-injected object a caller loads once at startup — overrides
// are only ever applied by constructing a new Parameters value, never by
// mutating process state.
type Overrides struct {
	OrchestratorParallelism        *int          `yaml:"orchestrator_parallelism"`
	NetworkDKGThirdRoundDelay      *uint64       `yaml:"network_dkg_third_round_delay"`
	ReconfigurationThirdRoundDelay *uint64       `yaml:"reconfiguration_third_round_delay"`
	ArchiveCommitFileSize          *uint64       `yaml:"archive_commit_file_size"`
	ArchiveCommitDuration          *yamlDuration `yaml:"archive_commit_duration"`
	ArchiveDownloadConcurrency     *int          `yaml:"archive_download_concurrency"`
	ManifestSyncInterval           *yamlDuration `yaml:"manifest_sync_interval"`
	ProcessedCacheCapacity         *int          `yaml:"processed_cache_capacity"`
}

// LoadOverrides reads and parses an Overrides document from path. It is
// the only place this package touches a filesystem; tests exercise
// Overrides and Apply directly without it.
func LoadOverrides(path string) (Overrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Overrides{}, errs.MarkInvariant(err)
	}
	var o Overrides
	if err := yaml.Unmarshal(data, &o); err != nil {
		return Overrides{}, errs.MarkInvariant(err)
	}
	return o, nil
}

// Apply returns a copy of p with every non-nil field of o substituted in.
// It never mutates p or o.
func (o Overrides) Apply(p Parameters) Parameters {
	if o.OrchestratorParallelism != nil {
		p.OrchestratorParallelism = *o.OrchestratorParallelism
	}
	if o.NetworkDKGThirdRoundDelay != nil {
		p.NetworkDKGThirdRoundDelay = *o.NetworkDKGThirdRoundDelay
	}
	if o.ReconfigurationThirdRoundDelay != nil {
		p.ReconfigurationThirdRoundDelay = *o.ReconfigurationThirdRoundDelay
	}
	if o.ArchiveCommitFileSize != nil {
		p.ArchiveCommitFileSize = *o.ArchiveCommitFileSize
	}
	if o.ArchiveCommitDuration != nil {
		p.ArchiveCommitDuration = time.Duration(*o.ArchiveCommitDuration)
	}
	if o.ArchiveDownloadConcurrency != nil {
		p.ArchiveDownloadConcurrency = *o.ArchiveDownloadConcurrency
	}
	if o.ManifestSyncInterval != nil {
		p.ManifestSyncInterval = time.Duration(*o.ManifestSyncInterval)
	}
	if o.ProcessedCacheCapacity != nil {
		p.ProcessedCacheCapacity = *o.ProcessedCacheCapacity
	}
	return p
}

// Default returns the frozen parameters for protocolversion.Current().
func Default() Parameters {
	return Parameters{
		Version:                        protocolversion.Current(),
		OrchestratorParallelism:        8,
		NetworkDKGThirdRoundDelay:      10,
		ReconfigurationThirdRoundDelay: 10,
		ArchiveCommitFileSize:          128 << 20,
		ArchiveCommitDuration:          30 * time.Second,
		ArchiveDownloadConcurrency:     4,
		ManifestSyncInterval:           60 * time.Second,
		ProcessedCacheCapacity:         1 << 20,
	}
}
