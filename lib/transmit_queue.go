package lib

import (
	"time"
)

// SendHandler is the user completion of a queued transmit: it fires when the
// entry is removed from the queue (acknowledged, failed or canceled), not
// when the datagram hits the wire.
type SendHandler func(err error, n int)

// iterationHandler reports completion of a single wire transmit attempt.
type iterationHandler func(err error, n int)

// sendStepFunc performs one wire transmit of the entry's packet. It must be
// replayable: the queue re-invokes it on every retransmit timer expiry.
type sendStepFunc func(done iterationHandler)

type transmitEntry struct {
	sequence   uint32
	size       int
	interval   time.Duration
	maxRetries int // 0 means retransmit until acked or canceled
	attempts   int
	sendStep   sendStepFunc
	completion SendHandler
	timer      *time.Timer
	done       bool
}

// TransmitQueue holds the in-flight outgoing packets of one connection in
// insertion order. Entries stay queued across retransmits and leave the queue
// through ApplyAck, through CancelAll, or with ErrConnectTimeout once a
// bounded entry has used its maxRetries attempts. All methods must run on the owning
// multiplexer's event goroutine; timer expiries are posted back onto it.
type TransmitQueue struct {
	post    func(func())
	entries []*transmitEntry
}

func newTransmitQueue(post func(func())) *TransmitQueue {
	return &TransmitQueue{post: post}
}

// Push enqueues a packet and immediately performs its first transmit. After
// each transmit attempt completes, the retransmit timer is armed for
// interval; on expiry the send step runs again. maxRetries of 0 retransmits
// until the entry is acknowledged or canceled.
func (q *TransmitQueue) Push(sequence uint32, size int, interval time.Duration, maxRetries int, sendStep sendStepFunc, completion SendHandler) {
	entry := &transmitEntry{
		sequence:   sequence,
		size:       size,
		interval:   interval,
		maxRetries: maxRetries,
		sendStep:   sendStep,
		completion: completion,
	}
	q.entries = append(q.entries, entry)
	q.transmit(entry)
}

func (q *TransmitQueue) transmit(entry *transmitEntry) {
	entry.attempts++
	entry.sendStep(func(err error, n int) {
		// A transmit attempt finished. Wire errors are masked here: the
		// timer keeps firing until the peer acks, the entry is torn
		// down externally, or its retry limit is reached.
		if entry.done {
			return
		}
		if entry.timer != nil {
			entry.timer.Stop()
		}
		entry.timer = time.AfterFunc(entry.interval, func() {
			q.post(func() {
				q.handleTimer(entry)
			})
		})
	})
}

func (q *TransmitQueue) handleTimer(entry *transmitEntry) {
	if entry.done {
		return
	}
	if entry.maxRetries > 0 && entry.attempts >= entry.maxRetries {
		q.removeEntry(entry)
		entry.completion(ErrConnectTimeout, 0)
		return
	}
	q.transmit(entry)
}

// ApplyAck removes every entry whose sequence is covered by the cumulative
// ack value under modular comparison and fires its completion with success.
// Acking an already removed sequence is a no-op.
func (q *TransmitQueue) ApplyAck(ack uint32) {
	var removed []*transmitEntry
	remaining := q.entries[:0]
	for _, entry := range q.entries {
		if seqCoveredBy(entry.sequence, ack) {
			entry.done = true
			if entry.timer != nil {
				entry.timer.Stop()
			}
			removed = append(removed, entry)
		} else {
			remaining = append(remaining, entry)
		}
	}
	q.entries = remaining

	// Completions run after the queue is updated so user callbacks never
	// observe a half-walked queue.
	for _, entry := range removed {
		entry.completion(nil, entry.size)
	}
}

// CancelAll fails every pending entry with err. Used on connection teardown.
func (q *TransmitQueue) CancelAll(err error) {
	canceled := q.entries
	q.entries = nil
	for _, entry := range canceled {
		entry.done = true
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
	for _, entry := range canceled {
		entry.completion(err, 0)
	}
}

// Len reports the number of in-flight entries.
func (q *TransmitQueue) Len() int {
	return len(q.entries)
}

func (q *TransmitQueue) removeEntry(target *transmitEntry) {
	target.done = true
	if target.timer != nil {
		target.timer.Stop()
	}
	for i, entry := range q.entries {
		if entry == target {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
	}
}
