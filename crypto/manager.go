package crypto

import (
	"fmt"
	"log"
	"sync"
)

// Logger receives operator warnings (LSN-nonce-wrap, KID mismatch on
// rotate). Defaults to log.Default(); callers may override it, e.g. to
// route through a structured logger elsewhere in the process.
var Logger = log.Default()

// lsnWrapLimit and lsnWarnMargin set how close to 2^48 an LSN may get before
// WarnIfLSNNearWrap starts returning true (spec.md §4.9/§9: the AEAD nonce
// uses the low 48 bits of page_id and lsn, so an lsn approaching 2^48 risks
// nonce reuse). The warning starts at 2^48 minus ~1% headroom.
const lsnWrapLimit = uint64(1) << 48

var lsnWarnMargin = lsnWrapLimit / 100

var (
	lsnWarnOnce sync.Once
	lsnWarned   bool
)

// WarnIfLSNNearWrap reports whether lsn is within the warning margin of the
// 48-bit nonce space, logging exactly once per process via Logger.
func WarnIfLSNNearWrap(lsn uint64) bool {
	near := lsn >= lsnWrapLimit-lsnWarnMargin
	if near {
		lsnWarnOnce.Do(func() {
			lsnWarned = true
			Logger.Printf("crypto: lsn %d is approaching the 48-bit AEAD nonce limit; rotate the KID or stop writes", lsn)
		})
	}
	return near
}

// Manager ties a KeyProvider, KeyRing and KeyJournal together to resolve
// the DEK a pager should install via Pager.SetAEADKey, and to perform KID
// rotation (spec.md §4.9 "TDE rotate sets a new epoch equal to
// meta.last_lsn + 1 and chooses the effective KID (provider KID wins if
// mismatched, with a warning)").
type Manager struct {
	mu       sync.Mutex
	provider KeyProvider
	ring     *KeyRing
	journal  *KeyJournal
	kek      [32]byte
}

// NewManager builds a Manager. kek unwraps/wraps entries in ring; provider
// supplies the preferred active KID and DEK when none is yet recorded.
func NewManager(provider KeyProvider, ring *KeyRing, journal *KeyJournal, kek [32]byte) *Manager {
	return &Manager{provider: provider, ring: ring, journal: journal, kek: kek}
}

// Resolve returns the DEK and KID that should be active right now: the
// provider's current key, wrapping it and storing it in the ring on first
// use if the ring has no entry for that KID yet. The journal is not
// touched; Rotate records epochs.
func (m *Manager) Resolve() (key [32]byte, kid string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, kid, err = m.provider.ActiveKey()
	if err != nil {
		return key, "", err
	}

	if _, ok := m.ring.Get(kid); !ok {
		wrapped, werr := WrapDEK(m.kek, kid, key)
		if werr != nil {
			return key, "", fmt.Errorf("crypto: wrap DEK for kid %s: %w", kid, werr)
		}
		if err := m.ring.Put(kid, wrapped); err != nil {
			return key, "", err
		}
	}
	return key, kid, nil
}

// Rotate installs a new active KID as of sinceLSN (spec.md's "meta.last_lsn
// + 1" epoch boundary), wrapping and storing newKey under newKid and
// appending the journal record. If the provider's own ActiveKey disagrees
// with newKid, the provider's KID wins and a warning is emitted.
func (m *Manager) Rotate(sinceLSN uint64, newKey [32]byte, newKid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	effectiveKid := newKid
	if providerKey, providerKid, err := m.provider.ActiveKey(); err == nil && providerKid != "" && providerKid != newKid {
		Logger.Printf("crypto: rotate requested kid %s but provider reports %s; using provider's kid", newKid, providerKid)
		effectiveKid = providerKid
		newKey = providerKey
	}

	wrapped, err := WrapDEK(m.kek, effectiveKid, newKey)
	if err != nil {
		return fmt.Errorf("crypto: wrap DEK for kid %s: %w", effectiveKid, err)
	}
	if err := m.ring.Put(effectiveKid, wrapped); err != nil {
		return err
	}
	return m.journal.Append(sinceLSN, effectiveKid)
}

// KeyForLSN resolves the DEK active at a historical lsn, for snapshot and
// CDC readers that must decrypt pages written under an older KID.
func (m *Manager) KeyForLSN(lsn uint64) (key [32]byte, kid string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kid, ok := m.journal.ActiveKIDAt(lsn)
	if !ok {
		return key, "", fmt.Errorf("crypto: no key epoch covers lsn %d", lsn)
	}
	wrapped, ok := m.ring.Get(kid)
	if !ok {
		return key, "", fmt.Errorf("crypto: kid %s not found in key ring", kid)
	}
	dek, unwrappedKid, err := UnwrapDEK(m.kek, wrapped)
	if err != nil {
		return key, "", err
	}
	if unwrappedKid != kid {
		return key, "", fmt.Errorf("crypto: kid mismatch: ring key %s unwrapped as %s", kid, unwrappedKid)
	}
	return dek, kid, nil
}
