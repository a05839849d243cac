package crypto

import (
	"encoding/binary"
	"fmt"
	"os"
)

// KeyJournalFileName is the append-only (since_lsn, kid) epoch log (spec.md
// §4.9/§6): magic+version+reserved header, then records of
// [since_lsn u64, kid_len u16, kid bytes].
const KeyJournalFileName = "key_journal.bin"

var keyJournalMagic = [8]byte{'P', '2', 'K', 'J', 'N', '0', '1', 0}

const (
	keyJournalVersion = uint32(1)
	keyJournalHdrSize = 16
)

// KeyEpoch is one journal record: kid became active as of since_lsn.
type KeyEpoch struct {
	SinceLSN uint64
	Kid      string
}

// KeyJournal is the append-only rotation history.
type KeyJournal struct {
	path    string
	epochs  []KeyEpoch
}

// OpenOrCreateKeyJournal loads an existing journal, or initializes an empty
// in-memory one (persisted on first Append) if none exists.
func OpenOrCreateKeyJournal(path string) (*KeyJournal, error) {
	kj := &KeyJournal{path: path}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return kj, nil
	}
	if err != nil {
		return nil, fmt.Errorf("crypto: read key journal: %w", err)
	}
	if err := kj.decode(data); err != nil {
		return nil, err
	}
	return kj, nil
}

func (kj *KeyJournal) decode(data []byte) error {
	if len(data) < keyJournalHdrSize {
		return fmt.Errorf("crypto: key journal truncated")
	}
	if string(data[0:8]) != string(keyJournalMagic[:]) {
		return fmt.Errorf("crypto: key journal bad magic")
	}
	if binary.LittleEndian.Uint32(data[8:12]) != keyJournalVersion {
		return fmt.Errorf("crypto: key journal unsupported version")
	}
	off := keyJournalHdrSize
	for off < len(data) {
		if off+8+2 > len(data) {
			break // soft EOF: torn tail record
		}
		since := binary.LittleEndian.Uint64(data[off:])
		off += 8
		kidLen := int(binary.LittleEndian.Uint16(data[off:]))
		off += 2
		if off+kidLen > len(data) {
			break
		}
		kid := string(data[off : off+kidLen])
		off += kidLen
		kj.epochs = append(kj.epochs, KeyEpoch{SinceLSN: since, Kid: kid})
	}
	return nil
}

// Epochs returns every recorded rotation, oldest first.
func (kj *KeyJournal) Epochs() []KeyEpoch {
	out := make([]KeyEpoch, len(kj.epochs))
	copy(out, kj.epochs)
	return out
}

// ActiveKIDAt returns the KID in effect at the given LSN: the last epoch
// whose since_lsn is ≤ lsn.
func (kj *KeyJournal) ActiveKIDAt(lsn uint64) (string, bool) {
	var best *KeyEpoch
	for i := range kj.epochs {
		e := &kj.epochs[i]
		if e.SinceLSN <= lsn && (best == nil || e.SinceLSN > best.SinceLSN) {
			best = e
		}
	}
	if best == nil {
		return "", false
	}
	return best.Kid, true
}

// Append records a new epoch. since_lsn must be strictly greater than every
// prior entry's since_lsn (spec.md §4.9 "strictly monotonically increasing
// since_lsn").
func (kj *KeyJournal) Append(sinceLSN uint64, kid string) error {
	if len(kj.epochs) > 0 && sinceLSN <= kj.epochs[len(kj.epochs)-1].SinceLSN {
		return fmt.Errorf("crypto: key journal since_lsn %d does not exceed last epoch %d", sinceLSN, kj.epochs[len(kj.epochs)-1].SinceLSN)
	}

	f, err := os.OpenFile(kj.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("crypto: open key journal: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		hdr := make([]byte, keyJournalHdrSize)
		copy(hdr, keyJournalMagic[:])
		binary.LittleEndian.PutUint32(hdr[8:], keyJournalVersion)
		if _, err := f.Write(hdr); err != nil {
			return err
		}
	}

	kidBytes := []byte(kid)
	rec := make([]byte, 8+2+len(kidBytes))
	binary.LittleEndian.PutUint64(rec[0:], sinceLSN)
	binary.LittleEndian.PutUint16(rec[8:], uint16(len(kidBytes)))
	copy(rec[10:], kidBytes)

	if _, err := f.Seek(0, os.SEEK_END); err != nil {
		return err
	}
	if _, err := f.Write(rec); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}

	kj.epochs = append(kj.epochs, KeyEpoch{SinceLSN: sinceLSN, Kid: kid})
	return nil
}
