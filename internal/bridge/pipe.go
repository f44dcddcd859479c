package bridge

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/TheCount/connbridge/internal/journal"
	"github.com/TheCount/connbridge/internal/sock"
)

// endpoint is the socket-side surface a half-duplex pipe needs: a
// non-blocking reader/writer with best-effort half-close. *sock.FD
// satisfies this; tests substitute fakes so the pipe's backpressure
// and EOF handling can be exercised without real sockets.
type endpoint interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	ShutdownRead() error
	ShutdownWrite() error
}

// pipe is one direction of a Bridge: producer-socket-read ->
// journal-append -> journal-read -> consumer-socket-write, per §4.2.
// It has no knowledge of the other direction; Bridge composes two of
// these and reconciles their interest masks per descriptor.
type pipe struct {
	name     string
	producer endpoint
	consumer endpoint
	jr       *journal.Journal
	logger   *slog.Logger

	eofFromProducer bool
	flushed         bool
	consumerClosed  bool
}

func newPipe(name string, producer, consumer endpoint, jr *journal.Journal, logger *slog.Logger) *pipe {
	return &pipe{
		name:     name,
		producer: producer,
		consumer: consumer,
		jr:       jr,
		logger:   logger,
		flushed:  jr.Backlog() == 0,
	}
}

// step runs one dispatch iteration per §4.2: drain the producer socket
// into the journal, drain the journal backlog into the consumer
// socket, and half-close the consumer once both sides agree there is
// nothing left to flush. A non-nil error is fatal to the whole Bridge.
func (p *pipe) step() error {
	produced := 0

	if !p.eofFromProducer {
		buf := make([]byte, p.jr.ChunkSize())
		for {
			n, err := p.producer.Read(buf)
			if n > 0 {
				if _, werr := p.jr.Append(buf[:n]); werr != nil {
					return fmt.Errorf("pipe %s: %w", p.name, werr)
				}
				produced += n
			}
			if err != nil {
				if errors.Is(err, sock.ErrWouldBlock) {
					break
				}
				p.markProducerEOF()
				break
			}
			if n == 0 {
				p.markProducerEOF()
				break
			}
		}
	}

	if !p.flushed || produced > 0 {
		status, err := p.jr.DrainInto(p.consumer)
		if err != nil {
			return fmt.Errorf("pipe %s: %w", p.name, err)
		}
		p.flushed = status == journal.Done
	}

	if p.eofFromProducer && p.flushed && !p.consumerClosed {
		if err := p.consumer.ShutdownWrite(); err != nil {
			p.logger.Debug("half-close write failed, ignoring", "pipe", p.name, "err", err)
		}
		p.consumerClosed = true
	}

	return nil
}

func (p *pipe) markProducerEOF() {
	p.eofFromProducer = true
	if err := p.producer.ShutdownRead(); err != nil {
		p.logger.Debug("half-close read failed, ignoring", "pipe", p.name, "err", err)
	}
}

// interest reports the readiness this pipe currently wants: read on
// its producer, write on its consumer.
func (p *pipe) interest() (wantReadProducer, wantWriteConsumer bool) {
	return !p.eofFromProducer, !p.flushed
}

// dead reports whether this direction has fully terminated.
func (p *pipe) dead() bool {
	return p.eofFromProducer && p.flushed
}
