package quiverdb

import "testing"

func TestConfigFromEnvOverlaysDefaults(t *testing.T) {
	t.Setenv("QUIVERDB_PAGE_SIZE", "8192")
	t.Setenv("QUIVERDB_BUCKET_COUNT", "256")
	t.Setenv("QUIVERDB_DATA_FSYNC", "false")

	cfg := ConfigFromEnv()
	if cfg.PageSize != 8192 {
		t.Errorf("expected page size 8192, got %d", cfg.PageSize)
	}
	if cfg.BucketCount != 256 {
		t.Errorf("expected bucket count 256, got %d", cfg.BucketCount)
	}
	if cfg.DataFsync {
		t.Errorf("expected data fsync false from env override")
	}
	// Untouched fields keep DefaultConfig's value.
	if cfg.ValueCacheMinSize != DefaultConfig().ValueCacheMinSize {
		t.Errorf("expected untouched fields to keep defaults")
	}
}

func TestOverflowThresholdDefaultsToQuarterPageSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PageSize = 4096
	cfg.OverflowThresholdBytes = 0
	if got := cfg.overflowThreshold(); got != 1024 {
		t.Errorf("expected default overflow threshold 1024, got %d", got)
	}

	cfg.OverflowThresholdBytes = 256
	if got := cfg.overflowThreshold(); got != 256 {
		t.Errorf("expected explicit overflow threshold to override, got %d", got)
	}
}
