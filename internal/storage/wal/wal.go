package wal

// ============================================================================
// WAL core
// Responsibilities:
// 1. Append job state changes to an append-only JSON-lines file
// 2. Replay them to rebuild queue state after a restart
// 3. Rotate the file once a snapshot covers its contents
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/postpilot/pkg/types"
)

// Options tunes write batching. The zero value syncs on every append.
type Options struct {
	BufferSize    int           // events held before a flush
	FlushInterval time.Duration // maximum age of a buffered event
}

// WAL is a write-ahead log of job state changes.
type WAL struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	seq     uint64
	size    int64 // bytes of complete records on disk
	closed  bool
	options Options

	buffer        []Event
	lastFlushTime time.Time
}

// NewWAL opens or creates the log at path. An existing log continues from
// its last sequence number.
func NewWAL(path string, opts Options) (*WAL, error) {
	if opts.BufferSize < 1 {
		opts.BufferSize = 1
	}

	lastSeq, validEnd, err := scanLog(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	if info, err := file.Stat(); err == nil && info.Size() > validEnd {
		// drop a torn tail so new records start on a clean line
		if err := file.Truncate(validEnd); err != nil {
			file.Close()
			return nil, fmt.Errorf("wal: truncate torn tail: %w", err)
		}
	}

	return &WAL{
		file:          file,
		path:          path,
		seq:           lastSeq,
		size:          validEnd,
		options:       opts,
		lastFlushTime: time.Now(),
	}, nil
}

// Append records a change to job. Pass force to flush and fsync immediately.
func (w *WAL) Append(eventType EventType, job types.Job, force bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	w.seq++
	event := Event{
		Seq:       w.seq,
		Type:      eventType,
		JobID:     job.ID,
		Timestamp: time.Now().UnixMilli(),
	}
	if !eventType.Removes() {
		event.Job = job.Clone()
	}
	event.Checksum = CalculateChecksum(event)

	w.buffer = append(w.buffer, event)

	if force || len(w.buffer) >= w.options.BufferSize ||
		(w.options.FlushInterval > 0 && time.Since(w.lastFlushTime) > w.options.FlushInterval) {
		return w.flushLocked()
	}
	return nil
}

// Flush writes buffered events and syncs the file.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Replay calls handler for every event with a sequence number above afterSeq.
//
// A torn final record (a crash mid-write) ends replay without error; a bad
// record anywhere else is reported as corruption.
func (w *WAL) Replay(afterSeq uint64, handler EventHandler) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.flushLocked(); err != nil {
		return 0, err
	}

	file, err := os.Open(w.path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	applied := 0
	_, err = readEvents(file, func(event Event) error {
		if event.Seq <= afterSeq {
			return nil
		}
		if !VerifyChecksum(event) {
			return &ChecksumError{Seq: event.Seq, Expected: CalculateChecksum(event), Actual: event.Checksum}
		}
		if err := handler(event); err != nil {
			return fmt.Errorf("wal: apply seq=%d: %w", event.Seq, err)
		}
		applied++
		return nil
	})
	return applied, err
}

// Rotate moves the current log aside and starts an empty one. Sequence
// numbers keep increasing across rotations.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	backupPath := w.path + "." + time.Now().Format("20060102_150405.000")
	if err := os.Rename(w.path, backupPath); err != nil {
		return err
	}

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	w.file = file
	w.size = 0
	w.lastFlushTime = time.Now()

	// the previous segment is fully covered by the snapshot taken before Rotate
	return os.Remove(backupPath)
}

// LastSeq returns the sequence number of the most recent event.
func (w *WAL) LastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// AdvanceSeq moves the sequence counter to at least seq. After a rotation the
// log is empty, so the owner seeds it from the snapshot's LastSeq.
func (w *WAL) AdvanceSeq(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq > w.seq {
		w.seq = seq
	}
}

// Close flushes and closes the log. The WAL must not be used afterwards.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.flushLocked(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// flushLocked writes the buffer as one batch. A failed batch is discarded
// and its sequence numbers are reused, so events the caller rolled back never
// reach the file on a later flush.
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, event := range w.buffer {
		if err := enc.Encode(event); err != nil {
			w.discardLocked()
			return err
		}
	}
	n, err := w.file.Write(buf.Bytes())
	if err != nil {
		if n > 0 {
			// cut the partial batch so the next record starts on a clean line
			if truncErr := w.file.Truncate(w.size); truncErr != nil {
				err = errors.Join(err, fmt.Errorf("wal: truncate partial write: %w", truncErr))
			}
		}
		w.discardLocked()
		return err
	}
	w.size += int64(n)
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return w.file.Sync()
}

func (w *WAL) discardLocked() {
	w.seq = w.buffer[0].Seq - 1
	w.buffer = w.buffer[:0]
}

// readEvents decodes one JSON event per line and returns the offset just
// past the last complete record.
func readEvents(r io.Reader, fn func(Event) error) (int64, error) {
	reader := bufio.NewReader(r)
	var offset int64
	for {
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			if errors.Is(err, io.EOF) {
				// unterminated last line: torn write
				return offset, nil
			}
			var event Event
			if decodeErr := json.Unmarshal(line, &event); decodeErr != nil {
				return offset, &CorruptionError{Offset: offset, Cause: decodeErr}
			}
			if fnErr := fn(event); fnErr != nil {
				return offset, fnErr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return offset, nil
			}
			return offset, err
		}
		offset += int64(len(line))
	}
}

// scanLog returns the last sequence number in the log at path and the size
// of its intact prefix.
func scanLog(path string) (uint64, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	defer file.Close()

	var last uint64
	end, err := readEvents(file, func(event Event) error {
		last = event.Seq
		return nil
	})
	return last, end, err
}
