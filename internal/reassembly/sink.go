// Package reassembly persists a transfer's chunk stream to its destination
// artifact in strict sequence order. There is no reordering buffer: bytes on
// disk are always a prefix of the source in transmission order, and a gap or
// repeat in the sequence is a protocol violation, never something to repair.
package reassembly

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// ErrShortStream indicates the final chunk arrived before all expected bytes.
var ErrShortStream = errors.New("stream ended before expected size")

// ErrLongStream indicates more bytes arrived than the sender declared.
var ErrLongStream = errors.New("stream exceeded expected size")

// ErrSinkClosed indicates a chunk arrived after the sink was shut down.
var ErrSinkClosed = errors.New("sink closed")

// SeqError reports an out-of-order chunk.
type SeqError struct {
	Want uint64
	Got  uint64
}

func (e *SeqError) Error() string {
	return fmt.Sprintf("out-of-order chunk: want seq %d, got %d", e.Want, e.Got)
}

type item struct {
	data      []byte
	last      bool
	totalSize int64
}

// Sink reassembles one transfer's chunks onto disk. Accept validates
// ordering synchronously; the disk write happens on the sink's own goroutine
// so a slow write never stalls the connection read loop beyond one queued
// chunk. The capacity-1 queue bounds memory to at most one chunk buffered
// ahead of the chunk being written.
type Sink struct {
	transferID string
	path       string
	logger     *slog.Logger

	mu       sync.Mutex
	expected uint64 // next sequence number Accept will apply

	in        chan item
	quit      chan struct{}
	closeOnce sync.Once

	// onTerminal fires at most once: nil on a gapless, fully persisted
	// artifact; an error on write failure or a declared-size mismatch.
	onTerminal func(err error)
}

// NewSink creates a sink writing to path and starts its writer goroutine.
// The destination file is created on the first accepted chunk.
func NewSink(transferID, path string, logger *slog.Logger, onTerminal func(err error)) *Sink {
	s := &Sink{
		transferID: transferID,
		path:       path,
		logger:     logger,
		expected:   1,
		in:         make(chan item, 1),
		quit:       make(chan struct{}),
		onTerminal: onTerminal,
	}
	go s.run()
	return s
}

// Accept validates the chunk's sequence number and, if it is the expected
// one, hands the payload to the writer goroutine. Accept blocks only while
// the single queue slot is occupied by a pending write. A sequence mismatch
// leaves previously written bytes untouched and returns a *SeqError.
func (s *Sink) Accept(seq uint64, data []byte, last bool, totalSize int64) error {
	s.mu.Lock()
	if seq != s.expected {
		want := s.expected
		s.mu.Unlock()
		return &SeqError{Want: want, Got: seq}
	}
	s.expected++
	s.mu.Unlock()

	select {
	case s.in <- item{data: data, last: last, totalSize: totalSize}:
		return nil
	case <-s.quit:
		return ErrSinkClosed
	}
}

// Close stops the writer goroutine and closes the destination file, keeping
// whatever bytes were already persisted. Safe to call more than once.
// Called by the orchestrator when the transfer reaches a terminal state for
// any reason other than the sink's own completion report.
func (s *Sink) Close() {
	s.closeOnce.Do(func() { close(s.quit) })
}

func (s *Sink) run() {
	var file *os.File
	var written int64
	terminal := false

	defer func() {
		if file != nil {
			file.Close()
		}
	}()

	for {
		var it item
		select {
		case it = <-s.in:
		case <-s.quit:
			// Persist anything already accepted before shutting down, so
			// bytes that passed sequence validation reach the artifact.
			for {
				select {
				case it, ok := <-s.in:
					if ok && !terminal && file != nil {
						if _, err := file.Write(it.data); err != nil {
							return
						}
					}
				default:
					return
				}
			}
		}

		if terminal {
			// Already reported; discard anything still in flight.
			continue
		}

		if file == nil {
			f, err := os.Create(s.path)
			if err != nil {
				terminal = true
				s.report(fmt.Errorf("create artifact: %w", err))
				continue
			}
			file = f
		}

		if _, err := file.Write(it.data); err != nil {
			terminal = true
			s.report(fmt.Errorf("append chunk: %w", err))
			continue
		}
		written += int64(len(it.data))

		if !it.last {
			continue
		}

		terminal = true
		if it.totalSize > 0 && written != it.totalSize {
			if written < it.totalSize {
				s.report(fmt.Errorf("%w: got %d of %d bytes", ErrShortStream, written, it.totalSize))
			} else {
				s.report(fmt.Errorf("%w: got %d, expected %d bytes", ErrLongStream, written, it.totalSize))
			}
			continue
		}
		if err := file.Sync(); err != nil {
			s.report(fmt.Errorf("flush artifact: %w", err))
			continue
		}
		if err := file.Close(); err != nil {
			file = nil
			s.report(fmt.Errorf("close artifact: %w", err))
			continue
		}
		file = nil
		s.logger.Debug("artifact complete", "transfer_id", s.transferID, "path", s.path, "bytes", written)
		s.report(nil)
	}
}

func (s *Sink) report(err error) {
	if s.onTerminal != nil {
		s.onTerminal(err)
	}
}

// Path returns the destination artifact path.
func (s *Sink) Path() string {
	return s.path
}
