package cdc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/quiverdb/quiverdb"
	"github.com/quiverdb/quiverdb/storage"
)

const walRecHdrSize = 28 // type(1) flags(1) reserved(2) lsn(8) page_id(8) len(4) crc32c(4)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// decodeRecord parses one [header(28)+payload] buffer, the shape every
// frame payload carries (spec.md §4.11/§3).
func decodeRecord(buf []byte) (storage.WALRecord, error) {
	if len(buf) < walRecHdrSize {
		return storage.WALRecord{}, fmt.Errorf("cdc: short wal record: %d bytes", len(buf))
	}
	rtype := storage.WALRecordType(buf[0])
	flags := buf[1]
	lsn := binary.LittleEndian.Uint64(buf[4:12])
	pageID := binary.LittleEndian.Uint64(buf[12:20])
	plen := binary.LittleEndian.Uint32(buf[20:24])
	storedCRC := binary.LittleEndian.Uint32(buf[24:28])
	if walRecHdrSize+int(plen) != len(buf) {
		return storage.WALRecord{}, fmt.Errorf("cdc: wal record length mismatch")
	}
	payload := buf[walRecHdrSize:]
	crc := crc32.Update(crc32.Checksum(buf[:walRecHdrSize-4], crc32cTable), crc32cTable, payload)
	if crc != storedCRC {
		return storage.WALRecord{}, storage.ErrRecordCRC
	}
	return storage.WALRecord{Type: rtype, Flags: flags, LSN: lsn, PageID: pageID, Payload: payload}, nil
}

// ApplyReport summarizes one apply run.
type ApplyReport struct {
	RecordsApplied int
	MaxLSN         uint64
}

// applyRecord applies one decoded WAL record to db per spec.md §4.11: the
// PAGE_IMAGE path is identical to replay; HEADS_UPDATE only advances when
// newer than the follower's persisted last_heads_lsn; everything else is
// ignored.
func applyRecord(db *quiverdb.DB, rec storage.WALRecord, root string) error {
	switch rec.Type {
	case storage.WALPageImage:
		return db.Pager().ApplyPageImage(rec.PageID, rec.Payload, rec.LSN)
	case storage.WALHeadsUpdate:
		lastHeads, err := LoadLastHeadsLSN(root)
		if err != nil {
			return err
		}
		if rec.LSN <= lastHeads {
			return nil
		}
		updates, err := storage.DecodeHeadsUpdate(rec.Payload)
		if err != nil {
			return fmt.Errorf("cdc: decode heads update: %w", err)
		}
		if err := db.Directory().SetHeads(updates); err != nil {
			return fmt.Errorf("cdc: apply heads update: %w", err)
		}
		return StoreLastHeadsLSN(root, rec.LSN)
	default:
		return nil
	}
}

// ApplyFromFile applies every record in a ship-produced WAL file (header +
// records) to db, verifying the file's stream_id against db's stored value.
func ApplyFromFile(db *quiverdb.DB, inPath string) (ApplyReport, error) {
	var report ApplyReport
	root := db.RootDir()

	data, err := os.ReadFile(inPath)
	if err != nil {
		return report, fmt.Errorf("cdc: read sink file: %w", err)
	}
	r := bytes.NewReader(data)
	streamID, err := storage.ReadWALHeader(r)
	if err != nil {
		return report, err
	}
	if err := CheckAndStoreStreamID(root, streamID); err != nil {
		return report, err
	}

	hdrBuf := make([]byte, walRecHdrSize)
	for {
		if _, err := io.ReadFull(r, hdrBuf); err != nil {
			if err == io.EOF {
				break
			}
			return report, fmt.Errorf("cdc: read record header: %w", err)
		}
		plen := binary.LittleEndian.Uint32(hdrBuf[20:24])
		full := make([]byte, walRecHdrSize+int(plen))
		copy(full, hdrBuf)
		if plen > 0 {
			if _, err := io.ReadFull(r, full[walRecHdrSize:]); err != nil {
				return report, fmt.Errorf("cdc: read record payload: %w", err)
			}
		}
		rec, err := decodeRecord(full)
		if err != nil {
			return report, err
		}
		if err := applyRecord(db, rec, root); err != nil {
			return report, err
		}
		report.RecordsApplied++
		if rec.LSN > report.MaxLSN {
			report.MaxLSN = rec.LSN
		}
	}

	if report.MaxLSN > 0 {
		if err := db.Pager().AdvanceLastLSN(report.MaxLSN); err != nil {
			return report, err
		}
	}
	return report, nil
}

// ApplyFromStream applies a PSK-framed stream from r to db: the first frame
// must carry the producer's WAL header (stream_id verified against db's
// stored value), and every subsequent frame carries one WAL record. seq
// must strictly increase from the follower's persisted last_seq.
func ApplyFromStream(r io.Reader, db *quiverdb.DB, psk []byte, maxFrame int) (ApplyReport, error) {
	var report ApplyReport
	root := db.RootDir()

	lastSeq, err := LoadLastSeq(root)
	if err != nil {
		return report, err
	}

	first := true
	for {
		seq, payload, err := ReadFrame(r, psk, maxFrame)
		if err == io.EOF {
			break
		}
		if err != nil {
			return report, err
		}
		if seq <= lastSeq {
			return report, fmt.Errorf("cdc: non-monotonic seq %d (last %d)", seq, lastSeq)
		}

		if first {
			streamID, err := storage.ReadWALHeader(bytes.NewReader(payload))
			if err != nil {
				return report, err
			}
			if err := CheckAndStoreStreamID(root, streamID); err != nil {
				return report, err
			}
			first = false
		} else {
			rec, err := decodeRecord(payload)
			if err != nil {
				return report, err
			}
			if err := applyRecord(db, rec, root); err != nil {
				return report, err
			}
			report.RecordsApplied++
			if rec.LSN > report.MaxLSN {
				report.MaxLSN = rec.LSN
			}
		}

		if err := StoreLastSeq(root, seq); err != nil {
			return report, err
		}
		lastSeq = seq
	}

	if report.MaxLSN > 0 {
		if err := db.Pager().AdvanceLastLSN(report.MaxLSN); err != nil {
			return report, err
		}
	}
	return report, nil
}
