package writer

import (
	"sync"
	"time"

	"github.com/hds/rfr/internal/clock"
)

// Signal is the outcome of a WaitForWriteTimeout call.
type Signal int

const (
	// Written means every record appended with a timestamp <= the
	// waited-on timestamp has been sealed to disk.
	Written Signal = iota
	// Timeout means the wait duration elapsed before the flusher sealed
	// the relevant interval.
	Timeout
	// Closed means the writer was closed while the wait was pending.
	Closed
)

func (s Signal) String() string {
	switch s {
	case Written:
		return "written"
	case Timeout:
		return "timeout"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// notifier is a single pending wait_for_write_timeout call, implemented
// with sync.Cond plus a deadline goroutine — the idiomatic Go substitute
// for a condition variable with a timed wait (SPEC_FULL.md "Go notes").
type notifier struct {
	ts   clock.AbsTimestamp
	mu   sync.Mutex
	cond *sync.Cond
	done bool
	sig  Signal
}

func newNotifier(ts clock.AbsTimestamp) *notifier {
	n := &notifier{ts: ts}
	n.cond = sync.NewCond(&n.mu)
	return n
}

func (n *notifier) resolve(sig Signal) {
	n.mu.Lock()
	if !n.done {
		n.done = true
		n.sig = sig
		n.cond.Broadcast()
	}
	n.mu.Unlock()
}

func (n *notifier) wait() Signal {
	n.mu.Lock()
	defer n.mu.Unlock()
	for !n.done {
		n.cond.Wait()
	}
	return n.sig
}

// notifierSet tracks every pending notifier, signaled either by a flush
// that covers its timestamp, a timeout, or a writer close (spec §4.6 "Ack
// protocol").
type notifierSet struct {
	mu      sync.Mutex
	pending []*notifier
}

func newNotifierSet() *notifierSet {
	return &notifierSet{}
}

func (s *notifierSet) add(n *notifier) {
	s.mu.Lock()
	s.pending = append(s.pending, n)
	s.mu.Unlock()
}

func (s *notifierSet) remove(target *notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, n := range s.pending {
		if n == target {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

// notifyWritten signals Written to, and drops, every pending notifier
// whose timestamp is <= intervalEnd (spec §4.6: "every notifier whose
// ts <= interval.end of a just-flushed chunk is signaled written and
// dropped").
func (s *notifierSet) notifyWritten(intervalEnd clock.AbsTimestamp) {
	s.mu.Lock()
	var remaining []*notifier
	var toSignal []*notifier
	for _, n := range s.pending {
		if n.ts.Compare(intervalEnd) <= 0 {
			toSignal = append(toSignal, n)
			continue
		}
		remaining = append(remaining, n)
	}
	s.pending = remaining
	s.mu.Unlock()

	for _, n := range toSignal {
		n.resolve(Written)
	}
}

// closeAll signals Closed to every still-pending notifier, draining the
// set (spec §4.6 "Close drains all pending notifiers with Closed").
func (s *notifierSet) closeAll() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, n := range pending {
		n.resolve(Closed)
	}
}

// WaitForWriteTimeout blocks until every record with a timestamp <= ts has
// been flushed to disk, the writer is closed, or dur elapses, whichever
// happens first.
func (w *Writer) WaitForWriteTimeout(ts clock.AbsTimestamp, dur time.Duration) Signal {
	n := newNotifier(ts)
	w.notifiers.add(n)

	timer := time.AfterFunc(dur, func() {
		n.resolve(Timeout)
		w.notifiers.remove(n)
	})
	sig := n.wait()
	timer.Stop()
	return sig
}

// Close signals the flusher to perform a final flush of every open chunk
// buffer, waits for it to finish, drains pending notifiers, and closes the
// callsite writer.
func (w *Writer) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(w.closeCh)
	<-w.flushDone
	w.logger.Info("recording closed", "root_dir", w.cfg.RootDir)
	return w.csWriter.Close()
}
