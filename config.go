package quiverdb

import (
	"os"
	"strconv"

	"github.com/quiverdb/quiverdb/crypto"
	"github.com/quiverdb/quiverdb/storage"
)

// Config carries every tunable enumerated in spec.md §6. Open replaces a
// zero PageSize or BucketCount with DefaultConfig's value and a zero
// OverflowThresholdBytes means page_size/4. Open does not read TDEKid,
// SnapPersist, SnapDedup, SnapstoreDir, BloomCacheCapacity, ValueCacheBytes
// or ValueCacheMinSize; the other fields are used as given.
type Config struct {
	PageSize     uint32
	BucketCount  uint32
	WALCoalesceMs       uint64
	DataFsync           bool
	PageCachePages      int
	OverflowThresholdBytes int
	StrictZeroChecksum  bool
	TDEEnabled   bool
	TDEKid       string
	TDEProvider  crypto.KeyProvider // required when TDEEnabled
	TDEKEK       [32]byte          // wraps/unwraps the KeyRing's DEK entries
	SnapPersist bool
	SnapDedup   bool
	SnapstoreDir string

	BloomCacheCapacity int
	ValueCacheBytes    int64
	ValueCacheMinSize  int
}

// DefaultConfig mirrors the teacher's "sane defaults, explicit overrides"
// posture.
func DefaultConfig() Config {
	return Config{
		PageSize:               4096,
		BucketCount:            128,
		WALCoalesceMs:          0,
		DataFsync:              true,
		PageCachePages:         4096,
		OverflowThresholdBytes: 0, // 0 => page_size/4, resolved in Open
		StrictZeroChecksum:     false,
		BloomCacheCapacity:     64,
		ValueCacheBytes:        64 << 20,
		ValueCacheMinSize:      512,
	}
}

// ConfigFromEnv overlays DefaultConfig with QUIVERDB_* environment
// variables, for the enumerated sweep in spec.md §6.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if v, ok := envUint("QUIVERDB_PAGE_SIZE"); ok {
		cfg.PageSize = uint32(v)
	}
	if v, ok := envUint("QUIVERDB_BUCKET_COUNT"); ok {
		cfg.BucketCount = uint32(v)
	}
	if v, ok := envUint("QUIVERDB_WAL_COALESCE_MS"); ok {
		cfg.WALCoalesceMs = v
	}
	if v, ok := envBool("QUIVERDB_DATA_FSYNC"); ok {
		cfg.DataFsync = v
	}
	if v, ok := envUint("QUIVERDB_PAGE_CACHE_PAGES"); ok {
		cfg.PageCachePages = int(v)
	}
	if v, ok := envUint("QUIVERDB_OVF_THRESHOLD_BYTES"); ok {
		cfg.OverflowThresholdBytes = int(v)
	}
	if v, ok := envBool("QUIVERDB_STRICT_ZERO_CHECKSUM"); ok {
		cfg.StrictZeroChecksum = v
	}
	if v, ok := envBool("QUIVERDB_TDE_ENABLED"); ok {
		cfg.TDEEnabled = v
	}
	if v := os.Getenv("QUIVERDB_TDE_KID"); v != "" {
		cfg.TDEKid = v
	}
	if v, ok := envBool("QUIVERDB_SNAP_PERSIST"); ok {
		cfg.SnapPersist = v
	}
	if v, ok := envBool("QUIVERDB_SNAP_DEDUP"); ok {
		cfg.SnapDedup = v
	}
	if v := os.Getenv("QUIVERDB_SNAPSTORE_DIR"); v != "" {
		cfg.SnapstoreDir = v
	}
	return cfg
}

func envUint(name string) (uint64, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(name string) (bool, bool) {
	v := os.Getenv(name)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func (c Config) overflowThreshold() int {
	if c.OverflowThresholdBytes > 0 {
		return c.OverflowThresholdBytes
	}
	return int(c.PageSize) / 4
}

func (c Config) pagerConfig(checksumKind storage.ChecksumKind, codecID uint8) storage.PagerConfig {
	return storage.PagerConfig{
		PageSize:           c.PageSize,
		HashKind:           storage.HashFNV1a64,
		CodecID:            codecID,
		ChecksumKind:       checksumKind,
		DataFsync:          c.DataFsync,
		StrictZeroChecksum: c.StrictZeroChecksum,
		PageCachePages:     c.PageCachePages,
	}
}
