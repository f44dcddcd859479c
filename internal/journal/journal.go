// Package journal implements the append-only, per-direction byte log
// described in §4.1 of the bridge specification: an on-disk append
// cursor advanced by the producer side and an independent read cursor
// advanced by the consumer side, with the backlog between them being
// the outstanding, journaled-but-not-yet-forwarded data.
package journal

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/TheCount/connbridge/internal/sock"
)

// DefaultChunkSize is the unit the drain loop reads from disk and
// writes to the consumer socket in when Open is not given an
// override. Reference value per §4.1.
const DefaultChunkSize = 8192

// Writer is the minimal non-blocking write surface DrainInto needs.
// *sock.FD satisfies it; tests may supply a fake.
type Writer interface {
	Write(p []byte) (int, error)
}

// Status reports the outcome of DrainInto.
type Status int

const (
	// Done means the read cursor has caught up to the append cursor:
	// the backlog is empty for now. More may be appended later.
	Done Status = iota
	// WouldBlock means the consumer returned would-block mid-write;
	// the read cursor reflects exactly what the consumer accepted. It
	// is also returned when a file read yields no bytes although the
	// backlog is non-empty.
	WouldBlock
)

// Journal is an append-mode file with an append cursor (the file's
// logical end) and a read cursor (next unforwarded byte). Once
// written, bytes are never mutated — only the read cursor advances.
type Journal struct {
	file         *os.File
	path         string
	appendCursor int64
	readCursor   int64
	chunkSize    int
}

// Open opens or creates the journal file at path. If the file already
// exists, new bytes are appended after existing content and the read
// cursor starts at the pre-existing end-of-file, so prior content is
// never replayed (§6). chunkSize overrides the unit DrainInto reads
// and writes in; a value <= 0 uses DefaultChunkSize.
func Open(path string, chunkSize int) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("journal: stat %s: %w", path, err)
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	size := fi.Size()
	return &Journal{file: f, path: path, appendCursor: size, readCursor: size, chunkSize: chunkSize}, nil
}

// ChunkSize returns the unit this journal reads and writes in, for
// callers that size their own read buffers to match (package bridge's
// half-duplex pipe).
func (j *Journal) ChunkSize() int {
	return j.chunkSize
}

// Append writes b to the append cursor. A single call is atomic with
// respect to the file stream: on a regular file, an O_APPEND write is
// either fully enqueued or fails outright, which is all this method
// promises (it does not retry partial writes — a partial append from
// the OS is reported as the n it actually wrote, per the io.Writer
// contract).
func (j *Journal) Append(b []byte) (int, error) {
	n, err := j.file.Write(b)
	j.appendCursor += int64(n)
	if err != nil {
		return n, fmt.Errorf("journal: append to %s: %w", j.path, err)
	}
	return n, nil
}

// Backlog reports the outstanding bytes not yet forwarded.
func (j *Journal) Backlog() int64 {
	return j.appendCursor - j.readCursor
}

// DrainInto reads the backlog starting at the read cursor and writes
// it to w in chunkSize pieces, stopping at the first would-block or
// once the backlog is exhausted. A partial write advances the read
// cursor by exactly the number of bytes w accepted, so a later call
// resumes precisely where this one left off.
func (j *Journal) DrainInto(w Writer) (Status, error) {
	buf := make([]byte, j.chunkSize)
	for j.readCursor < j.appendCursor {
		want := j.appendCursor - j.readCursor
		if want > int64(j.chunkSize) {
			want = int64(j.chunkSize)
		}
		n, err := j.file.ReadAt(buf[:want], j.readCursor)
		if n == 0 {
			if err != nil && !errors.Is(err, io.EOF) {
				return Done, fmt.Errorf("journal: read %s: %w", j.path, err)
			}
			// Nothing readable yet even though the append cursor says
			// there should be; treat as transient and stop for now.
			return WouldBlock, nil
		}

		written := 0
		for written < n {
			wn, werr := w.Write(buf[written:n])
			if wn > 0 {
				j.readCursor += int64(wn)
				written += wn
			}
			if werr != nil {
				if errors.Is(werr, sock.ErrWouldBlock) {
					return WouldBlock, nil
				}
				return Done, fmt.Errorf("journal: drain to consumer: %w", werr)
			}
		}
	}
	return Done, nil
}

// Close closes the journal file. The on-disk data is retained.
func (j *Journal) Close() error {
	return j.file.Close()
}

// Path returns the filesystem path backing this journal.
func (j *Journal) Path() string {
	return j.path
}
