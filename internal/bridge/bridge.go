// Package bridge implements the per-connection bridging engine: the
// event-driven state machine (§4.3) that owns a pair of non-blocking
// sockets, a pair of append-only journals, and a pair of half-duplex
// pipes, coordinating half-close propagation, readiness-driven
// scheduling, and teardown.
package bridge

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/TheCount/connbridge/internal/addrutil"
	"github.com/TheCount/connbridge/internal/journal"
	"github.com/TheCount/connbridge/internal/reactor"
	"github.com/TheCount/connbridge/internal/sock"
)

type state int

const (
	stateConnecting state = iota
	stateBridging
	stateClosing
)

// Bridge owns two sockets, two journals, and two half-duplex pipes for
// the lifetime of one accepted connection (§3, §4.3).
type Bridge struct {
	id     uuid.UUID
	logger *slog.Logger
	rea    *reactor.Reactor

	sourceFD *sock.FD
	destFD   *sock.FD

	sourceJournal *journal.Journal
	destJournal   *journal.Journal

	srcToDst *pipe // producer=source, consumer=destination
	dstToSrc *pipe // producer=destination, consumer=source

	st         state
	sourceMask reactor.EventMask
	destMask   reactor.EventMask

	lastActivity time.Time
	doneHook     func(*Bridge)
}

// Factory holds everything a new Bridge needs that does not vary per
// connection: the shared dispatcher and the resolved destination. This
// follows §9's design note preferring explicit dependency passing over
// process-wide globals, which also lets tests construct independent
// factories pointed at different destinations.
type Factory struct {
	rea         *reactor.Reactor
	dest        addrutil.Endpoint
	journalDir  string
	chunkSize   int
	idleTimeout time.Duration
	logger      *slog.Logger

	live map[uuid.UUID]*Bridge
}

// NewFactory creates a Bridge factory bound to a dispatcher, a
// destination endpoint, and a journal directory. chunkSize overrides
// the journal read/write unit (<= 0 uses journal.DefaultChunkSize);
// idleTimeout, if positive, tears down a Bridge that has seen no
// pipe activity for that long once StartIdleSweeper is called (§5:
// "Implementations may add idle timeouts at the acceptor layer
// without changing the core contract").
func NewFactory(rea *reactor.Reactor, dest addrutil.Endpoint, journalDir string, chunkSize int, idleTimeout time.Duration, logger *slog.Logger) *Factory {
	return &Factory{
		rea:         rea,
		dest:        dest,
		journalDir:  journalDir,
		chunkSize:   chunkSize,
		idleTimeout: idleTimeout,
		logger:      logger,
		live:        make(map[uuid.UUID]*Bridge),
	}
}

// StartIdleSweeper registers a periodic timer with the dispatcher that
// tears down any Bridge which has seen no pipe activity for longer
// than the factory's idle timeout. A non-positive idle timeout is a
// no-op: no timer is registered and Bridges behave exactly as the core
// contract in §5 describes (no cancellation below process exit).
func (f *Factory) StartIdleSweeper(interval time.Duration) error {
	if f.idleTimeout <= 0 {
		return nil
	}
	timer, err := sock.NewTimer(interval)
	if err != nil {
		return fmt.Errorf("bridge: start idle sweeper: %w", err)
	}
	if err := f.rea.Register(timer.Fd(), reactor.Readable, func(readable, writable bool) {
		if err := timer.Drain(); err != nil {
			f.logger.Debug("idle sweeper timer drain failed, ignoring", "err", err)
		}
		now := time.Now()
		for _, b := range f.live {
			b.teardownIfIdle(now, f.idleTimeout)
		}
	}); err != nil {
		timer.Close()
		return fmt.Errorf("bridge: register idle sweeper: %w", err)
	}
	return nil
}

// Start implements the public contract of §4.3: Bridge::start(inbound_fd,
// inbound_peer_addr) -> Result. On error the inbound socket is closed
// by Start; on success ownership of it transfers to the returned
// Bridge.
func (f *Factory) Start(inbound *sock.FD, peer addrutil.Endpoint) (*Bridge, error) {
	id := uuid.New()
	logger := f.logger.With("bridge", id.String(), "source", peer.String(), "destination", f.dest.String())

	sourcePath := filepath.Join(f.journalDir, peer.String())
	sourceJournal, err := journal.Open(sourcePath, f.chunkSize)
	if err != nil {
		inbound.Close()
		return nil, fmt.Errorf("bridge: open source journal: %w", err)
	}

	destFD, inProgress, err := sock.ConnectNonBlocking(f.dest)
	if err != nil {
		sourceJournal.Close()
		inbound.Close()
		return nil, fmt.Errorf("bridge: connect to %s: %w", f.dest, err)
	}

	localAddr, err := sock.LocalAddr(destFD)
	if err != nil {
		destFD.Close()
		sourceJournal.Close()
		inbound.Close()
		return nil, fmt.Errorf("bridge: local address of outbound socket: %w", err)
	}
	destPath := filepath.Join(f.journalDir, localAddr.String())
	destJournal, err := journal.Open(destPath, f.chunkSize)
	if err != nil {
		destFD.Close()
		sourceJournal.Close()
		inbound.Close()
		return nil, fmt.Errorf("bridge: open destination journal: %w", err)
	}

	b := &Bridge{
		id:            id,
		logger:        logger,
		rea:           f.rea,
		sourceFD:      inbound,
		destFD:        destFD,
		sourceJournal: sourceJournal,
		destJournal:   destJournal,
		lastActivity:  time.Now(),
		doneHook:      func(b *Bridge) { delete(f.live, b.id) },
	}
	f.live[id] = b

	if inProgress {
		b.st = stateConnecting
		if err := f.rea.Register(destFD.Fd(), reactor.Writable, b.onDestReady); err != nil {
			b.cleanupFailedStart()
			return nil, fmt.Errorf("bridge: register outbound socket: %w", err)
		}
		b.destMask = reactor.Writable
		return b, nil
	}

	if err := b.enterBridging(); err != nil {
		b.cleanupFailedStart()
		return nil, err
	}
	return b, nil
}

// cleanupFailedStart releases whatever Start had acquired before a
// registration or state-entry failure, so a failed Start never leaks
// descriptors, journals, or dispatcher entries (§4.3 failure rules).
func (b *Bridge) cleanupFailedStart() {
	b.rea.Unregister(b.sourceFD.Fd())
	b.rea.Unregister(b.destFD.Fd())
	b.sourceFD.Close()
	b.destFD.Close()
	b.sourceJournal.Close()
	b.destJournal.Close()
	if b.doneHook != nil {
		b.doneHook(b)
	}
}

func (b *Bridge) onDestReady(readable, writable bool) {
	if b.st == stateConnecting {
		b.completeConnect()
		return
	}
	b.runCycle()
}

func (b *Bridge) onSourceReady(readable, writable bool) {
	b.runCycle()
}

// completeConnect handles the write-readiness event that signals the
// in-progress outbound connect has finished, per §4.3's Connecting
// state.
func (b *Bridge) completeConnect() {
	if err := sock.PendingError(b.destFD); err != nil {
		b.logger.Error("outbound connect failed", "err", err)
		b.teardown()
		return
	}
	if err := b.enterBridging(); err != nil {
		b.logger.Error("failed to enter bridging state", "err", err)
		b.teardown()
	}
}

// enterBridging registers both sockets for read-readiness, runs one
// step on each direction, and reconciles interest masks, per §4.3.
func (b *Bridge) enterBridging() error {
	b.st = stateBridging
	b.srcToDst = newPipe("source->destination", b.sourceFD, b.destFD, b.sourceJournal, b.logger)
	b.dstToSrc = newPipe("destination->source", b.destFD, b.sourceFD, b.destJournal, b.logger)

	if err := b.rea.Register(b.sourceFD.Fd(), reactor.Readable, b.onSourceReady); err != nil {
		return fmt.Errorf("bridge: register source socket: %w", err)
	}
	b.sourceMask = reactor.Readable

	if b.destMask == 0 {
		if err := b.rea.Register(b.destFD.Fd(), reactor.Readable, b.onDestReady); err != nil {
			return fmt.Errorf("bridge: register destination socket: %w", err)
		}
	} else if err := b.rea.Reset(b.destFD.Fd(), reactor.Readable); err != nil {
		return fmt.Errorf("bridge: reset destination socket interest: %w", err)
	}
	b.destMask = reactor.Readable

	if err := b.srcToDst.step(); err != nil {
		return b.fatalPipeError(err)
	}
	if err := b.dstToSrc.step(); err != nil {
		return b.fatalPipeError(err)
	}
	b.reconcileInterest()
	return nil
}

// runCycle runs a step on both directions in a fixed order
// (source->destination, then destination->source) as required for
// deterministic tests by §4.3, then reconciles watched interest.
func (b *Bridge) runCycle() {
	b.lastActivity = time.Now()
	if err := b.srcToDst.step(); err != nil {
		b.logger.Error("source->destination pipe failed", "err", err)
		b.teardown()
		return
	}
	if err := b.dstToSrc.step(); err != nil {
		b.logger.Error("destination->source pipe failed", "err", err)
		b.teardown()
		return
	}
	b.reconcileInterest()
}

func (b *Bridge) fatalPipeError(err error) error {
	return fmt.Errorf("bridge: %w", err)
}

// reconcileInterest recomputes each socket's desired interest as the
// union of the contributions from both pipes (§4.3) and reprograms the
// dispatcher only when the mask actually changed. If both masks become
// empty, the Bridge transitions to Closing.
func (b *Bridge) reconcileInterest() {
	srcReadWant, destWriteWant := b.srcToDst.interest()
	destReadWant, srcWriteWant := b.dstToSrc.interest()

	// source_fd interest = (source-pipe read-interest) U (destination-pipe write-interest)
	sourceMask := maskFrom(srcReadWant, srcWriteWant)
	// destination_fd interest = (destination-pipe read-interest) U (source-pipe write-interest)
	destMask := maskFrom(destReadWant, destWriteWant)

	if sourceMask != b.sourceMask {
		if err := b.rea.Reset(b.sourceFD.Fd(), sourceMask); err != nil {
			b.logger.Error("failed to reprogram source interest", "err", err)
			b.teardown()
			return
		}
		b.sourceMask = sourceMask
	}
	if destMask != b.destMask {
		if err := b.rea.Reset(b.destFD.Fd(), destMask); err != nil {
			b.logger.Error("failed to reprogram destination interest", "err", err)
			b.teardown()
			return
		}
		b.destMask = destMask
	}

	if sourceMask == 0 && destMask == 0 {
		b.teardown()
	}
}

func maskFrom(wantRead, wantWrite bool) reactor.EventMask {
	var m reactor.EventMask
	if wantRead {
		m |= reactor.Readable
	}
	if wantWrite {
		m |= reactor.Writable
	}
	return m
}

// teardown implements the Closing state (§4.3): unregister both
// sockets, close both sockets, close both journal files (their
// on-disk data is retained), and release the Bridge.
func (b *Bridge) teardown() {
	if b.st == stateClosing {
		return
	}
	b.st = stateClosing
	b.rea.Unregister(b.sourceFD.Fd())
	b.rea.Unregister(b.destFD.Fd())
	if err := b.sourceFD.Close(); err != nil {
		b.logger.Debug("close source socket failed, ignoring", "err", err)
	}
	if err := b.destFD.Close(); err != nil {
		b.logger.Debug("close destination socket failed, ignoring", "err", err)
	}
	if err := b.sourceJournal.Close(); err != nil {
		b.logger.Debug("close source journal failed, ignoring", "err", err)
	}
	if err := b.destJournal.Close(); err != nil {
		b.logger.Debug("close destination journal failed, ignoring", "err", err)
	}
	b.logger.Info("bridge closed")
	if b.doneHook != nil {
		b.doneHook(b)
	}
}

// teardownIfIdle tears the Bridge down if it has seen no pipe activity
// for at least timeout, per the acceptor-layer idle timeout §5 allows.
func (b *Bridge) teardownIfIdle(now time.Time, timeout time.Duration) {
	if b.st == stateClosing {
		return
	}
	if now.Sub(b.lastActivity) < timeout {
		return
	}
	b.logger.Info("idle timeout exceeded, tearing down")
	b.teardown()
}

// Done reports whether the Bridge has fully torn down. Nothing in the
// program polls this; teardown is entirely reactor-driven.
func (b *Bridge) Done() bool {
	return b.st == stateClosing
}

// ID returns the bridge's unique identifier, used for log correlation.
func (b *Bridge) ID() uuid.UUID {
	return b.id
}
