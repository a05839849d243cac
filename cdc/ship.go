package cdc

import (
	"fmt"
	"io"
	"os"

	"github.com/quiverdb/quiverdb"
	"github.com/quiverdb/quiverdb/storage"
)

// ShipReport summarizes one ship run.
type ShipReport struct {
	Frames int
	Bytes  int64
	MaxLSN uint64
}

func filterRecords(records []storage.WALRecord, sinceLSN uint64, inclusive bool) []storage.WALRecord {
	out := make([]storage.WALRecord, 0, len(records))
	for _, rec := range records {
		pass := rec.LSN > sinceLSN
		if inclusive {
			pass = rec.LSN >= sinceLSN
		}
		if pass {
			out = append(out, rec)
		}
	}
	return out
}

// ShipToFile writes outPath as a standalone WAL file: the producer's WAL
// header followed by every record passing the since_lsn filter, each with
// a freshly computed CRC (spec.md §4.11 "file sink").
func ShipToFile(db *quiverdb.DB, sinceLSN uint64, inclusive bool, outPath string) (ShipReport, error) {
	var report ShipReport
	wal := db.Pager().WAL()
	records, err := wal.ReadAll()
	if err != nil {
		return report, fmt.Errorf("cdc: read source wal: %w", err)
	}

	out, err := os.Create(outPath)
	if err != nil {
		return report, fmt.Errorf("cdc: create sink %s: %w", outPath, err)
	}
	defer out.Close()

	if _, err := out.Write(storage.WALHeaderBytes(wal.StreamID())); err != nil {
		return report, fmt.Errorf("cdc: write sink header: %w", err)
	}

	for _, rec := range filterRecords(records, sinceLSN, inclusive) {
		buf := storage.EncodeWALRecord(rec)
		if _, err := out.Write(buf); err != nil {
			return report, fmt.Errorf("cdc: write frame: %w", err)
		}
		report.Frames++
		report.Bytes += int64(len(buf))
		if rec.LSN > report.MaxLSN {
			report.MaxLSN = rec.LSN
		}
	}
	return report, out.Sync()
}

// ShipToStream sends every record passing the since_lsn filter to w as a
// PSK-framed stream: one frame per WAL record, payload = the record's own
// [header(28)+payload] bytes (spec.md §4.11 "TCP/TLS stream"). seq is
// persisted at db.RootDir() and advances after every successful send; a
// truthy QUIVERDB_CDC_SEQ_RESET restarts it at 1.
func ShipToStream(w io.Writer, db *quiverdb.DB, sinceLSN uint64, inclusive bool, psk []byte) (ShipReport, error) {
	var report ShipReport
	root := db.RootDir()
	wal := db.Pager().WAL()
	records, err := wal.ReadAll()
	if err != nil {
		return report, fmt.Errorf("cdc: read source wal: %w", err)
	}

	var seq uint64
	if v, ok := os.LookupEnv(EnvResetSeq); ok && isTruthy(v) {
		if err := StoreShipSeq(root, 0); err != nil {
			return report, err
		}
		seq = 1
	} else {
		last, err := LoadShipSeq(root)
		if err != nil {
			return report, err
		}
		seq = last + 1
	}

	// The first frame of every stream carries the producer's WAL header so
	// the follower can verify stream_id before applying any record.
	if err := WriteFrame(w, psk, seq, storage.WALHeaderBytes(wal.StreamID())); err != nil {
		return report, err
	}
	if err := StoreShipSeq(root, seq); err != nil {
		return report, err
	}
	seq++

	for _, rec := range filterRecords(records, sinceLSN, inclusive) {
		buf := storage.EncodeWALRecord(rec)
		if err := WriteFrame(w, psk, seq, buf); err != nil {
			return report, err
		}
		if err := StoreShipSeq(root, seq); err != nil {
			return report, err
		}
		report.Frames++
		report.Bytes += int64(len(buf))
		if rec.LSN > report.MaxLSN {
			report.MaxLSN = rec.LSN
		}
		seq++
	}
	return report, nil
}
