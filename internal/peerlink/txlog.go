package peerlink

import "errors"

// errSequenceGap is returned when an append does not continue the log.
var errSequenceGap = errors.New("sequence number does not continue the log")

// txEntry is one encoded reliable frame awaiting acknowledgement.
type txEntry struct {
	sn   uint64
	data []byte
}

// txLog is the retransmission log of the reliable channel. Entries are
// appended in sequence order and removed once cumulatively acknowledged.
// It is not safe for concurrent use; the link guards it.
type txLog struct {
	entries []txEntry
	// next is the sequence number the next append must carry.
	next uint64
}

func newTxLog(initialSN uint64) *txLog {
	return &txLog{next: initialSN}
}

// append adds a frame with sequence number sn, which must be l.next.
func (l *txLog) append(sn uint64, data []byte) error {
	if sn != l.next {
		return errSequenceGap
	}
	l.entries = append(l.entries, txEntry{sn: sn, data: data})
	l.next++
	return nil
}

// readFrom returns the retained entries whose sequence number is at least
// sn. The slice aliases the log and is only valid until the next mutation.
func (l *txLog) readFrom(sn uint64) []txEntry {
	if len(l.entries) == 0 {
		return nil
	}
	first := l.entries[0].sn
	if sn <= first {
		return l.entries
	}
	if sn-first >= uint64(len(l.entries)) {
		return nil
	}
	return l.entries[sn-first:]
}

// compact drops every entry below next and returns how many were removed.
func (l *txLog) compact(next uint64) int {
	n := 0
	for n < len(l.entries) && l.entries[n].sn < next {
		n++
	}
	if n == 0 {
		return 0
	}
	clear(l.entries[:n])
	l.entries = l.entries[n:]
	if len(l.entries) == 0 {
		l.entries = nil
	}
	return n
}

// first returns the oldest retained sequence number.
func (l *txLog) first() (uint64, bool) {
	if len(l.entries) == 0 {
		return 0, false
	}
	return l.entries[0].sn, true
}

// endSN is the sequence number of the next append.
func (l *txLog) endSN() uint64 {
	return l.next
}

func (l *txLog) len() int {
	return len(l.entries)
}

// reset drops every entry, e.g. when the link closes.
func (l *txLog) reset() int {
	n := len(l.entries)
	l.entries = nil
	return n
}
