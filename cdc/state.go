// Package cdc implements WAL shipping and apply: file and PSK-framed
// TCP/TLS sinks, stream-id anti-mix, and persistent apply markers
// (spec.md §4.11).
package cdc

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

const (
	headsLSNFileName = ".heads_lsn.bin"
	seqFileName      = ".cdc_seq.bin"
	shipSeqFileName  = ".cdc_ship_seq.bin"
	streamIDFileName = ".cdc_stream_id.bin"
)

func loadU64Marker(root, name string) (uint64, error) {
	data, err := os.ReadFile(filepath.Join(root, name))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cdc: read %s: %w", name, err)
	}
	if len(data) < 8 {
		return 0, fmt.Errorf("cdc: %s truncated", name)
	}
	return binary.LittleEndian.Uint64(data), nil
}

func storeU64Marker(root, name string, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	path := filepath.Join(root, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf[:], 0o644); err != nil {
		return fmt.Errorf("cdc: write %s: %w", name, err)
	}
	return os.Rename(tmp, path)
}

// LoadLastHeadsLSN returns the last HEADS_UPDATE lsn a follower at root has
// applied (0 if never applied).
func LoadLastHeadsLSN(root string) (uint64, error) { return loadU64Marker(root, headsLSNFileName) }

// StoreLastHeadsLSN persists the follower's last applied HEADS_UPDATE lsn.
func StoreLastHeadsLSN(root string, v uint64) error { return storeU64Marker(root, headsLSNFileName, v) }

// LoadLastSeq returns the last PSK frame seq a follower at root has
// accepted (0 if none yet).
func LoadLastSeq(root string) (uint64, error) { return loadU64Marker(root, seqFileName) }

// StoreLastSeq persists the follower's last accepted PSK frame seq.
func StoreLastSeq(root string, v uint64) error { return storeU64Marker(root, seqFileName, v) }

// LoadShipSeq returns the producer's last sent PSK frame seq (0 if none
// yet sent from root).
func LoadShipSeq(root string) (uint64, error) { return loadU64Marker(root, shipSeqFileName) }

// StoreShipSeq persists the producer's last sent PSK frame seq.
func StoreShipSeq(root string, v uint64) error { return storeU64Marker(root, shipSeqFileName, v) }

// LoadStreamID returns the follower's stored stream_id (0 if unset, i.e.
// no frame applied yet — first-seen assignment).
func LoadStreamID(root string) (uint64, error) { return loadU64Marker(root, streamIDFileName) }

// StoreStreamID persists the follower's stream_id.
func StoreStreamID(root string, v uint64) error { return storeU64Marker(root, streamIDFileName, v) }

// ErrStreamMismatch reports a WAL frame whose stream_id differs from the
// follower's already-stored value (spec.md §4.11 anti-mix).
var ErrStreamMismatch = fmt.Errorf("cdc: WAL stream_id mismatch")

// CheckAndStoreStreamID verifies incoming against root's stored stream_id,
// assigning it on first sight; a mismatch on a subsequent call is a hard
// error.
func CheckAndStoreStreamID(root string, incoming uint64) error {
	stored, err := LoadStreamID(root)
	if err != nil {
		return err
	}
	if stored == 0 {
		return StoreStreamID(root, incoming)
	}
	if stored != incoming {
		return fmt.Errorf("%w: stored=%d incoming=%d", ErrStreamMismatch, stored, incoming)
	}
	return nil
}
