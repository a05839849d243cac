package cdc

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

const (
	// pskMagic ties the MAC to this framing scheme specifically.
	pskMagic        = "P2PSK001"
	pskHeaderSize   = 4 + 8 + 32 // len u32 + seq u64 + mac[32]
	minPSKLen       = 16
	defaultMaxFrame = 64 << 20
)

// ErrMACFailure reports a PSK frame whose MAC does not verify.
var ErrMACFailure = fmt.Errorf("cdc: PSK MAC verification failed")

// ErrPSKTooShort reports a configured PSK shorter than the minimum.
var ErrPSKTooShort = fmt.Errorf("cdc: PSK shorter than %d bytes", minPSKLen)

// Env var names for PSK configuration, renamed from the original's
// P1_CDC_PSK_* sweep.
const (
	EnvPSKHex    = "QUIVERDB_CDC_PSK_HEX"
	EnvPSKBase64 = "QUIVERDB_CDC_PSK_BASE64"
	EnvPSK       = "QUIVERDB_CDC_PSK"
	EnvResetSeq  = "QUIVERDB_CDC_SEQ_RESET"
)

// PSKFromEnv loads the shared key from QUIVERDB_CDC_PSK_HEX (hex), else
// QUIVERDB_CDC_PSK_BASE64 (base64), else QUIVERDB_CDC_PSK (raw bytes).
func PSKFromEnv() ([]byte, error) {
	if v, ok := os.LookupEnv(EnvPSKHex); ok {
		b, err := hex.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("cdc: decode %s: %w", EnvPSKHex, err)
		}
		return validatePSK(b)
	}
	if v, ok := os.LookupEnv(EnvPSKBase64); ok {
		b, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("cdc: decode %s: %w", EnvPSKBase64, err)
		}
		return validatePSK(b)
	}
	if v, ok := os.LookupEnv(EnvPSK); ok {
		return validatePSK([]byte(v))
	}
	return nil, fmt.Errorf("cdc: PSK not set: provide %s, %s or %s", EnvPSKHex, EnvPSKBase64, EnvPSK)
}

func validatePSK(psk []byte) ([]byte, error) {
	if len(psk) < minPSKLen {
		return nil, ErrPSKTooShort
	}
	return psk, nil
}

func computeMAC(psk []byte, seq uint64, payload []byte) []byte {
	mac := hmac.New(sha256.New, psk)
	mac.Write([]byte(pskMagic))
	var seqLE [8]byte
	binary.LittleEndian.PutUint64(seqLE[:], seq)
	mac.Write(seqLE[:])
	mac.Write(payload)
	return mac.Sum(nil)
}

// WriteFrame writes one PSK-framed record to w: [len u32][seq u64][mac(32)]
// followed by payload (spec.md §4.11).
func WriteFrame(w io.Writer, psk []byte, seq uint64, payload []byte) error {
	hdr := make([]byte, pskHeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint64(hdr[4:12], seq)
	copy(hdr[12:44], computeMAC(psk, seq, payload))
	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("cdc: write frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("cdc: write frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one PSK-framed record from r, returning (0, nil, io.EOF)
// at a clean stream end. A MAC mismatch returns ErrMACFailure.
func ReadFrame(r io.Reader, psk []byte, maxFrame int) (seq uint64, payload []byte, err error) {
	if maxFrame <= 0 {
		maxFrame = defaultMaxFrame
	}
	hdr := make([]byte, pskHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		if err == io.ErrUnexpectedEOF {
			return 0, nil, io.EOF
		}
		return 0, nil, err
	}
	length := binary.LittleEndian.Uint32(hdr[0:4])
	seq = binary.LittleEndian.Uint64(hdr[4:12])
	macStored := hdr[12:44]
	if int(length) > maxFrame {
		return 0, nil, fmt.Errorf("cdc: framed payload too large: %d (max %d)", length, maxFrame)
	}
	payload = make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, fmt.Errorf("cdc: read frame payload: %w", err)
		}
	}
	macCalc := computeMAC(psk, seq, payload)
	if subtle.ConstantTimeCompare(macStored, macCalc) != 1 {
		return 0, nil, fmt.Errorf("%w (seq=%d)", ErrMACFailure, seq)
	}
	return seq, payload, nil
}
