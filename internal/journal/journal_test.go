package journal

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/TheCount/connbridge/internal/sock"
)

// fakeConsumer is a minimal Writer that can be told to go would-block
// after accepting a fixed number of bytes, to exercise DrainInto's
// partial-write resume behavior without a real socket. Grounded on the
// teacher pack's own pattern of a hand-rolled fake bidirectional
// endpoint feeding a bridging object (sammck-go-wstunnel's
// testBipipe).
type fakeConsumer struct {
	accepted     bytes.Buffer
	blockAfter   int // number of bytes still acceptable before EWOULDBLOCK
	unlimited    bool
	writeAttempt int
}

func (f *fakeConsumer) Write(p []byte) (int, error) {
	f.writeAttempt++
	if f.unlimited {
		f.accepted.Write(p)
		return len(p), nil
	}
	if f.blockAfter <= 0 {
		return 0, sock.ErrWouldBlock
	}
	n := len(p)
	if n > f.blockAfter {
		n = f.blockAfter
	}
	f.accepted.Write(p[:n])
	f.blockAfter -= n
	if n < len(p) {
		return n, sock.ErrWouldBlock
	}
	return n, nil
}

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	dir := t.TempDir()
	j, err := Open(filepath.Join(dir, "journal"), 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournalAppendAndDrainDone(t *testing.T) {
	j := openTestJournal(t)

	payload := []byte("hello world")
	n, err := j.Append(payload)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("Append n = %d, want %d", n, len(payload))
	}
	if got := j.Backlog(); got != int64(len(payload)) {
		t.Fatalf("Backlog = %d, want %d", got, len(payload))
	}

	w := &fakeConsumer{unlimited: true}
	status, err := j.DrainInto(w)
	if err != nil {
		t.Fatalf("DrainInto: %v", err)
	}
	if status != Done {
		t.Fatalf("status = %v, want Done", status)
	}
	if w.accepted.String() != string(payload) {
		t.Fatalf("accepted = %q, want %q", w.accepted.String(), payload)
	}
	if j.Backlog() != 0 {
		t.Fatalf("Backlog after drain = %d, want 0", j.Backlog())
	}
}

func TestJournalDrainWouldBlockResumes(t *testing.T) {
	j := openTestJournal(t)

	payload := bytes.Repeat([]byte("abcdefgh"), 2048) // 16KiB, multiple chunks
	if _, err := j.Append(payload); err != nil {
		t.Fatalf("Append: %v", err)
	}

	w := &fakeConsumer{blockAfter: 5000}
	status, err := j.DrainInto(w)
	if err != nil {
		t.Fatalf("DrainInto: %v", err)
	}
	if status != WouldBlock {
		t.Fatalf("status = %v, want WouldBlock", status)
	}
	if w.accepted.Len() != 5000 {
		t.Fatalf("accepted = %d bytes, want 5000", w.accepted.Len())
	}
	if got := j.Backlog(); got != int64(len(payload)-5000) {
		t.Fatalf("Backlog = %d, want %d", got, len(payload)-5000)
	}

	w.unlimited = true
	status, err = j.DrainInto(w)
	if err != nil {
		t.Fatalf("second DrainInto: %v", err)
	}
	if status != Done {
		t.Fatalf("second status = %v, want Done", status)
	}
	if !bytes.Equal(w.accepted.Bytes(), payload) {
		t.Fatalf("accepted mismatch after resume")
	}
}

func TestJournalReopenDoesNotReplay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal")

	j1, err := Open(path, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := j1.Append([]byte("first")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := j1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	j2, err := Open(path, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()

	if got := j2.Backlog(); got != 0 {
		t.Fatalf("Backlog on reopen = %d, want 0 (no replay)", got)
	}

	if _, err := j2.Append([]byte("second")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	w := &fakeConsumer{unlimited: true}
	if _, err := j2.DrainInto(w); err != nil {
		t.Fatalf("DrainInto: %v", err)
	}
	if w.accepted.String() != "second" {
		t.Fatalf("drained = %q, want %q (prior content must not replay)", w.accepted.String(), "second")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(raw) != "firstsecond" {
		t.Fatalf("on-disk content = %q, want %q", raw, "firstsecond")
	}
}

func TestJournalDrainErrorPropagates(t *testing.T) {
	j := openTestJournal(t)
	if _, err := j.Append([]byte("x")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	boom := errors.New("boom")
	w := &erroringWriter{err: boom}
	_, err := j.DrainInto(w)
	if err == nil {
		t.Fatalf("expected error from DrainInto")
	}
	if !errors.Is(err, boom) {
		t.Fatalf("DrainInto error = %v, want wrapping %v", err, boom)
	}
}

type erroringWriter struct{ err error }

func (w *erroringWriter) Write(p []byte) (int, error) { return 0, w.err }
