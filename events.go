package quiverdb

import "bytes"

// Event is emitted after a batch commits, one per operation it contained
// (spec.md §4.7 step 6).
type Event struct {
	Key   []byte
	Value []byte // nil for a delete
	LSN   uint64
}

type subscription struct {
	prefix []byte
	ch     chan Event
}

// Subscribe registers a channel that receives every post-commit Event whose
// key has the given prefix (nil or empty matches everything). The channel
// is closed by Unsubscribe. Sends are non-blocking: a subscriber that falls
// behind silently misses events rather than stalling commits.
func (db *DB) Subscribe(prefix []byte, buffer int) (<-chan Event, func()) {
	sub := &subscription{prefix: append([]byte(nil), prefix...), ch: make(chan Event, buffer)}
	db.subMu.Lock()
	db.subs = append(db.subs, sub)
	db.subMu.Unlock()

	unsubscribe := func() {
		db.subMu.Lock()
		defer db.subMu.Unlock()
		for i, s := range db.subs {
			if s == sub {
				db.subs = append(db.subs[:i], db.subs[i+1:]...)
				close(sub.ch)
				return
			}
		}
	}
	return sub.ch, unsubscribe
}

type publishedEvent struct {
	key   []byte
	value []byte
	del   bool
}

func (db *DB) publish(events []publishedEvent, lsn uint64) {
	db.subMu.Lock()
	subs := make([]*subscription, len(db.subs))
	copy(subs, db.subs)
	db.subMu.Unlock()
	if len(subs) == 0 {
		return
	}

	for _, ev := range events {
		var value []byte
		if !ev.del {
			value = ev.value
		}
		for _, s := range subs {
			if len(s.prefix) > 0 && !bytes.HasPrefix(ev.key, s.prefix) {
				continue
			}
			select {
			case s.ch <- Event{Key: ev.key, Value: value, LSN: lsn}:
			default:
			}
		}
	}
}
