package bridge

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/TheCount/connbridge/internal/journal"
	"github.com/TheCount/connbridge/internal/sock"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(filepath.Join(t.TempDir(), "j"), 0)
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

// fakeEndpoint is a scripted producer/consumer standing in for a raw
// socket so half-duplex pipe behavior (would-block, EOF, half-close)
// can be exercised deterministically, in the spirit of the pack's own
// hand-rolled fake bidirectional endpoints (sammck-go-wstunnel's
// testBipipe).
type fakeEndpoint struct {
	toRead       []byte
	readErr      error // returned once toRead is exhausted
	written      bytes.Buffer
	writeBlockAt int // if > 0, Write accepts at most this many bytes before EWOULDBLOCK
	readShutdown bool
	writeShutdown bool
}

func (f *fakeEndpoint) Read(p []byte) (int, error) {
	if len(f.toRead) == 0 {
		if f.readErr != nil {
			return 0, f.readErr
		}
		return 0, sock.ErrWouldBlock
	}
	n := copy(p, f.toRead)
	f.toRead = f.toRead[n:]
	return n, nil
}

func (f *fakeEndpoint) Write(p []byte) (int, error) {
	if f.writeBlockAt <= 0 {
		f.written.Write(p)
		return len(p), nil
	}
	n := len(p)
	if n > f.writeBlockAt {
		n = f.writeBlockAt
	}
	f.written.Write(p[:n])
	f.writeBlockAt -= n
	if n < len(p) {
		return n, sock.ErrWouldBlock
	}
	return n, nil
}

func (f *fakeEndpoint) ShutdownRead() error  { f.readShutdown = true; return nil }
func (f *fakeEndpoint) ShutdownWrite() error { f.writeShutdown = true; return nil }

func TestPipeForwardsAndHalfClosesOnEOF(t *testing.T) {
	producer := &fakeEndpoint{toRead: []byte("hello world"), readErr: io.EOF}
	consumer := &fakeEndpoint{}
	jr := newTestJournal(t)
	p := newPipe("test", producer, consumer, jr, discardLogger())

	if err := p.step(); err != nil {
		t.Fatalf("step: %v", err)
	}

	if consumer.written.String() != "hello world" {
		t.Fatalf("consumer got %q, want %q", consumer.written.String(), "hello world")
	}
	if !producer.readShutdown {
		t.Fatalf("expected producer read-half shutdown")
	}
	if !consumer.writeShutdown {
		t.Fatalf("expected consumer write-half shutdown")
	}
	if !p.dead() {
		t.Fatalf("pipe should be dead after full EOF and flush")
	}

	raw, err := os.ReadFile(jr.Path())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(raw) != "hello world" {
		t.Fatalf("journal contents = %q, want %q", raw, "hello world")
	}
}

// TestPipeHalfCloseOrdering verifies the causality invariant from §5:
// the consumer's write-half is only closed after producer EOF AND
// after the journal backlog has actually been flushed to it.
func TestPipeHalfCloseOrdering(t *testing.T) {
	producer := &fakeEndpoint{toRead: []byte("0123456789"), readErr: io.EOF}
	consumer := &fakeEndpoint{writeBlockAt: 4}
	jr := newTestJournal(t)
	p := newPipe("test", producer, consumer, jr, discardLogger())

	if err := p.step(); err != nil {
		t.Fatalf("step: %v", err)
	}
	if consumer.writeShutdown {
		t.Fatalf("write-half must not close before the backlog is flushed")
	}
	if p.flushed {
		t.Fatalf("pipe should not be flushed yet; consumer only accepted 4 of 10 bytes")
	}

	// Consumer now drains the rest.
	consumer.writeBlockAt = 0
	if err := p.step(); err != nil {
		t.Fatalf("second step: %v", err)
	}
	if !consumer.writeShutdown {
		t.Fatalf("write-half should close now that the backlog is flushed")
	}
	if consumer.written.String() != "0123456789" {
		t.Fatalf("consumer got %q, want %q", consumer.written.String(), "0123456789")
	}
}

func TestPipeInterestMask(t *testing.T) {
	producer := &fakeEndpoint{}
	consumer := &fakeEndpoint{writeBlockAt: 1}
	jr := newTestJournal(t)
	p := newPipe("test", producer, consumer, jr, discardLogger())

	wantRead, wantWrite := p.interest()
	if !wantRead || wantWrite {
		t.Fatalf("fresh pipe with empty journal should want only read, got read=%v write=%v", wantRead, wantWrite)
	}

	producer.toRead = []byte("abc")
	if err := p.step(); err != nil {
		t.Fatalf("step: %v", err)
	}
	wantRead, wantWrite = p.interest()
	if !wantRead {
		t.Fatalf("producer has not EOF'd, should still want read")
	}
	if !wantWrite {
		t.Fatalf("backlog not flushed (consumer blocked after 1 byte), should want write")
	}
}

func TestPipeSkipsDrainWhenFlushedAndIdle(t *testing.T) {
	producer := &fakeEndpoint{}
	consumer := &fakeEndpoint{}
	jr := newTestJournal(t)
	p := newPipe("test", producer, consumer, jr, discardLogger())

	if err := p.step(); err != nil {
		t.Fatalf("step: %v", err)
	}
	if consumer.written.Len() != 0 {
		t.Fatalf("nothing should have been written when the journal is empty and flushed")
	}
}

func TestPipeJournalAppendErrorIsFatal(t *testing.T) {
	producer := &fakeEndpoint{toRead: []byte("x")}
	consumer := &fakeEndpoint{}
	jr := newTestJournal(t)
	jr.Close() // force subsequent Append to fail
	p := newPipe("test", producer, consumer, jr, discardLogger())

	err := p.step()
	if err == nil {
		t.Fatalf("expected fatal error when the journal append fails")
	}
}

