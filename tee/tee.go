// Package tee fans a single-pass, pull-based stream out to multiple
// independent readers.
//
// A stream wrapped by Wrap is pulled at most once per item, strictly in
// order, and only when some branch asks for an item beyond what has
// already been buffered. Every branch observes the same items in the same
// order, followed by the same terminal outcome (io.EOF or the error the
// underlying stream failed with).
package tee

import "sync"

// A Stream is a single-pass sequence of items. Recv returns the next item,
// io.EOF once the sequence is exhausted, or any other error if producing
// the next item failed. A non-nil error is terminal.
type Stream[T any] interface {
	Recv() (T, error)
}

// StreamFunc adapts a function to the Stream interface.
type StreamFunc[T any] func() (T, error)

// Recv calls f.
func (f StreamFunc[T]) Recv() (T, error) {
	return f()
}

// Source coordinates reads from a wrapped stream. It owns the stream:
// after Wrap, the stream may only be read through branches obtained
// from Branch.
type Source[T any] struct {
	stream Stream[T]

	mu   sync.Mutex
	cond *sync.Cond

	// buf holds items pulled from the stream but not yet consumed by
	// every branch. buf[0] is at absolute position base.
	buf  []T
	base int64

	// pulling is set while one branch is blocked in stream.Recv on
	// behalf of everyone; mu is released for the duration of the pull.
	pulling bool

	// done marks the stream exhausted; err is io.EOF or the pull error
	// and is replayed to every branch that reaches the tail.
	done bool
	err  error

	branches []*Branch[T]

	// evictable stays true only while every branch was created before
	// any item was read. Once it drops, consumed items are retained so
	// a later branch still sees a consistent sequence.
	evictable bool
	started   bool
}

// Wrap takes ownership of a stream and returns a Source over it.
func Wrap[T any](s Stream[T]) *Source[T] {
	src := &Source[T]{
		stream:    s,
		evictable: true,
	}
	src.cond = sync.NewCond(&src.mu)
	return src
}

// Branch returns a new independent reader positioned at the current
// buffer head. Branches created before any consumption begins observe
// the full sequence.
func (s *Source[T]) Branch() *Branch[T] {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		s.evictable = false
	}
	b := &Branch[T]{src: s, pos: s.base}
	s.branches = append(s.branches, b)
	return b
}

// evictLocked drops buffered items every branch has advanced past.
// Requires mu.
func (s *Source[T]) evictLocked() {
	if !s.evictable || len(s.branches) == 0 {
		return
	}

	min := s.branches[0].pos
	for _, b := range s.branches[1:] {
		if b.pos < min {
			min = b.pos
		}
	}

	n := min - s.base
	if n <= 0 {
		return
	}

	var zero T
	for i := int64(0); i < n; i++ {
		s.buf[i] = zero
	}
	s.buf = s.buf[n:]
	s.base = min
}

// A Branch is one independent cursor over a Source. Recv may be called
// concurrently with Recv on other branches of the same Source.
type Branch[T any] struct {
	src *Source[T]
	pos int64
}

// Recv returns the next item for this branch. If the item is already
// buffered it is returned without touching the underlying stream;
// otherwise exactly one pull is issued on behalf of every branch waiting
// at the tail. Once the stream is exhausted, Recv keeps returning the
// cached terminal outcome.
func (b *Branch[T]) Recv() (T, error) {
	s := b.src

	s.mu.Lock()
	for {
		if b.pos < s.base+int64(len(s.buf)) {
			item := s.buf[b.pos-s.base]
			b.pos++
			s.evictLocked()
			s.mu.Unlock()
			return item, nil
		}

		if s.done {
			err := s.err
			s.mu.Unlock()
			var zero T
			return zero, err
		}

		if !s.pulling {
			s.pulling = true
			s.started = true
			s.mu.Unlock()

			item, err := s.stream.Recv()

			s.mu.Lock()
			s.pulling = false
			if err != nil {
				s.done = true
				s.err = err
			} else {
				s.buf = append(s.buf, item)
			}
			s.cond.Broadcast()
			continue
		}

		// Another branch is mid-pull; wait for its result and
		// re-evaluate. Branches reading already-buffered items do
		// not pass through here.
		s.cond.Wait()
	}
}
