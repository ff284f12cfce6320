package ipbus

import (
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// statusPacketWords is the fixed length of an IPbus status packet and its
// reply (spec §6): one header word followed by 15 reserved words, all
// zero on the request side.
const statusPacketWords = 16

// defaultRcvBufBytes sizes the socket receive buffer tuneSocket applies on
// every (re)connect.
const defaultRcvBufBytes = 256 * 1024

// Configuration describes one IPbus target and how to talk to it. It plays
// the role elektrosoftlab-modbus's Configuration/newTCPTransport arguments
// play for a Modbus transport, adapted to IPbus's UDP-only, single-target
// shape.
type Configuration struct {
	// IPAddress is the target's dotted-quad or hostname.
	IPAddress string
	// Port is the target's UDP port.
	Port int
	// LocalPort binds the client socket to a fixed local port; 0 lets the
	// kernel pick an ephemeral one.
	LocalPort int
	// UpdatePeriodMs is the keepalive interval: how often the target is
	// probed or synced while idle (spec §4.4). Must be positive.
	UpdatePeriodMs int
	// TimeoutMs bounds every individual request/response round trip,
	// control or status. Must be positive.
	TimeoutMs int
	// Logger receives best-effort diagnostics; nil uses a stderr default
	// (see logger.go).
	Logger *log.Logger
	// Sync, if set, is invoked by the keepalive loop instead of sending a
	// status packet whenever the target is already Online — typically a
	// caller-supplied cache refresh. With a nil Sync the keepalive tick
	// sends a status packet while Online, as it does in every other state.
	Sync func()
}

func (c Configuration) validate() error {
	if c.IPAddress == "" {
		return fmt.Errorf("%w: IPAddress is required", ErrConfigurationError)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: Port %d out of range", ErrConfigurationError, c.Port)
	}
	if c.UpdatePeriodMs <= 0 {
		return fmt.Errorf("%w: UpdatePeriodMs must be positive", ErrConfigurationError)
	}
	if c.TimeoutMs <= 0 {
		return fmt.Errorf("%w: TimeoutMs must be positive", ErrConfigurationError)
	}
	return nil
}

// Stats accumulates lifetime counters for a Target, exposed as a plain
// value (not a pointer into live atomics) so a caller can snapshot and
// compare without racing the keepalive goroutine.
type Stats struct {
	TransactionsOK     uint64
	TransactionsFailed uint64
	Timeouts           uint64
	Reconnects         uint64
}

// Target is one UDP-connected IPbus endpoint: the connection, its state
// machine, its signal bus, and the keepalive loop that probes it while
// idle. It is the IPbus analogue of elektrosoftlab-modbus's tcpTransport,
// generalized from a single request/response call to the full state
// machine spec §4.4 describes, since IPbus (unlike Modbus/TCP) has no
// transport-level connection to notice has dropped.
type Target struct {
	cfg        Configuration
	remoteAddr *net.UDPAddr

	mu   sync.Mutex
	conn *net.UDPConn

	state atomic.Int32
	stats struct {
		ok, failed, timeouts, reconnects atomic.Uint64
	}

	// keepaliveSuspended mirrors spec §4.4's "the keepalive is stopped [on
	// Error], resumes on the next successful reconnect": the periodic tick
	// becomes a no-op while this is set, so a caller must notice the error
	// signal and call Reconnect itself to recover.
	keepaliveSuspended atomic.Bool

	bus *SignalBus
	log *logger

	closed       atomic.Bool
	keepaliveEnd chan struct{}
	keepaliveDone chan struct{}
}

// NewTarget validates cfg, resolves the remote address, and starts the
// target in the Disconnected state with its keepalive loop running; the
// loop makes the initial connection attempt as soon as it starts, before
// its first tick. NewTarget itself never blocks on network I/O.
func NewTarget(cfg Configuration) (*Target, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", cfg.IPAddress, cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigurationError, err)
	}

	t := &Target{
		cfg:        cfg,
		remoteAddr: addr,
		bus:        NewSignalBus(),
		log:        newLogger(fmt.Sprintf("target(%s:%d)", cfg.IPAddress, cfg.Port), cfg.Logger),
	}
	t.state.Store(int32(Disconnected))
	t.keepaliveEnd = make(chan struct{})
	t.keepaliveDone = make(chan struct{})

	go t.keepaliveLoop()

	return t, nil
}

// Signals returns the bus a caller subscribes to for error/status/read/write
// notifications (spec §9).
func (t *Target) Signals() *SignalBus { return t.bus }

// State returns the target's current connectivity state.
func (t *Target) State() State { return State(t.state.Load()) }

// Stats returns a snapshot of the lifetime counters.
func (t *Target) Stats() Stats {
	return Stats{
		TransactionsOK:     t.stats.ok.Load(),
		TransactionsFailed: t.stats.failed.Load(),
		Timeouts:           t.stats.timeouts.Load(),
		Reconnects:         t.stats.reconnects.Load(),
	}
}

// Reconnect tears down any existing socket and opens a fresh one, probing
// it with a status exchange before declaring the target Online. It is
// exported so a caller can force a reconnect outside the keepalive cadence
// (e.g. after changing network configuration).
func (t *Target) Reconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reconnectLocked()
}

func (t *Target) reconnectLocked() error {
	if t.closed.Load() {
		return ErrTransportClosed
	}

	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}

	t.keepaliveSuspended.Store(false)
	t.state.Store(int32(Probing))

	var local *net.UDPAddr
	if t.cfg.LocalPort != 0 {
		local = &net.UDPAddr{Port: t.cfg.LocalPort}
	}

	conn, err := net.DialUDP("udp", local, t.remoteAddr)
	if err != nil {
		return t.socketFailureLocked(err)
	}
	if err := tuneSocket(conn, defaultRcvBufBytes); err != nil {
		t.log.Warningf("socket tuning failed: %v", err)
	}

	t.conn = conn
	t.stats.reconnects.Add(1)

	// send_status owns the Probing -> Online/Disconnected transition once
	// the socket is bound (spec §4.4).
	return t.sendStatusLocked()
}

// SendStatus sends a status packet and waits for the target to echo it
// back (spec §6). It's exposed directly so a caller can probe liveness
// without waiting for the next keepalive tick.
func (t *Target) SendStatus() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return ErrTransportClosed
	}
	return t.sendStatusLocked()
}

func (t *Target) sendStatusLocked() error {
	if t.conn == nil {
		return ErrNotOnline
	}

	req := make([]byte, statusPacketWords*4)
	req[0], req[1], req[2], req[3] = byte(StatusHeaderWord), byte(StatusHeaderWord>>8), byte(StatusHeaderWord>>16), byte(StatusHeaderWord>>24)

	if _, err := t.conn.Write(req); err != nil {
		return t.socketFailureLocked(err)
	}

	if err := t.conn.SetReadDeadline(time.Now().Add(time.Duration(t.cfg.TimeoutMs) * time.Millisecond)); err != nil {
		return t.socketFailureLocked(err)
	}

	buf := make([]byte, statusPacketWords*4)
	n, err := t.conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			t.stats.timeouts.Add(1)
			t.state.Store(int32(Disconnected))
			t.bus.emitNoResponse("status request timed out")
			return ErrRequestTimedOut
		}
		return t.socketFailureLocked(err)
	}

	if n != len(buf) || bytesToWords(buf[:4])[0] != StatusHeaderWord {
		err := newError(NetworkError, "malformed status reply (%d bytes)", n)
		t.state.Store(int32(Disconnected))
		t.bus.emitNoResponse(err.Message)
		return err
	}

	t.state.Store(int32(Online))
	t.bus.emitStatusOK()
	return nil
}

// Exchange sends pkt's request buffer, waits for and validates the
// response, and fills in every read transaction's destination, exactly
// the single round trip spec §4.4 describes. The target must be Online;
// a stale or malformed reply leaves the packet's destinations untouched
// beyond whatever ValidatePacket managed to copy before it stopped. A
// packet whose request holds nothing past the packet header is a no-op
// success, matching what a caller gets from exchanging a freshly Reset
// packet.
func (t *Target) Exchange(pkt *Packet) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed.Load() {
		return ErrTransportClosed
	}
	if State(t.state.Load()) != Online {
		return ErrNotOnline
	}
	if pkt.RequestSize() <= 1 {
		return nil
	}

	reqBytes := pkt.RequestBytes()
	if n, err := t.conn.Write(reqBytes); err != nil || n != len(reqBytes) {
		t.stats.failed.Add(1)
		if err == nil {
			err = newError(NetworkError, "short write: sent %d of %d bytes", n, len(reqBytes))
		}
		return t.socketFailureLocked(err)
	}

	if err := t.conn.SetReadDeadline(time.Now().Add(time.Duration(t.cfg.TimeoutMs) * time.Millisecond)); err != nil {
		t.stats.failed.Add(1)
		return t.socketFailureLocked(err)
	}

	for {
		buf := make([]byte, MaxPacketWords*4)
		n, err := t.conn.Read(buf)
		if err != nil {
			t.stats.failed.Add(1)
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				t.stats.timeouts.Add(1)
				t.state.Store(int32(Disconnected))
				t.bus.emitNoResponse("request timed out")
				return ErrRequestTimedOut
			}
			return t.socketFailureLocked(err)
		}

		// A stale status reply can arrive here if a previous keepalive
		// probe's response was delayed past its own timeout; discard it
		// and keep waiting for the control reply within the same budget.
		if n == statusPacketWords*4 {
			if words := bytesToWords(buf[:4]); words[0] == StatusHeaderWord {
				continue
			}
		}

		if n == 0 || n%4 != 0 || n/4 > pkt.ResponseSize() || bytesToWords(buf[:4])[0] != pkt.request[0] {
			t.stats.failed.Add(1)
			err := newError(NetworkError, "malformed or mismatched reply (%d bytes)", n)
			t.state.Store(int32(Disconnected))
			t.bus.emitError(err.Message, err.Kind)
			return err
		}

		if err := pkt.LoadResponse(buf[:n]); err != nil {
			t.stats.failed.Add(1)
			return err
		}

		verr := ValidatePacket(pkt, t.bus)
		pkt.Reset()
		if verr != nil {
			t.stats.failed.Add(1)
			return verr
		}

		t.stats.ok.Add(1)
		return nil
	}
}

// socketFailureLocked handles a local socket write/read failure that isn't
// a timeout: spec §4.4 puts this, and only this, in the Error state.
func (t *Target) socketFailureLocked(err error) error {
	t.log.Errorf("socket failure: %v", err)
	t.bus.emitError(err.Error(), NetworkError)
	t.state.Store(int32(ConnError))
	t.keepaliveSuspended.Store(true)
	return err
}

// ReadRegister reads a single word at address.
func (t *Target) ReadRegister(address Word) (Word, error) {
	dest := make([]Word, 1)
	pkt := NewPacket()
	if err := pkt.AddTransaction(Read, address, dest); err != nil {
		return 0, err
	}
	if err := t.Exchange(pkt); err != nil {
		return 0, err
	}
	return dest[0], nil
}

// WriteRegister writes a single word at address.
func (t *Target) WriteRegister(address Word, value Word) error {
	pkt := NewPacket()
	if err := pkt.AddWordWrite(address, value); err != nil {
		return err
	}
	return t.Exchange(pkt)
}

// SetBit sets bit n (0-indexed) at address via a read-modify-write,
// leaving every other bit untouched.
func (t *Target) SetBit(address Word, n uint) error {
	pkt := NewPacket()
	if err := pkt.AddBitChange(address, 1, 1, n); err != nil {
		return err
	}
	return t.Exchange(pkt)
}

// ClearBit clears bit n (0-indexed) at address via a read-modify-write,
// leaving every other bit untouched.
func (t *Target) ClearBit(address Word, n uint) error {
	pkt := NewPacket()
	if err := pkt.AddBitChange(address, 0, 1, n); err != nil {
		return err
	}
	return t.Exchange(pkt)
}

// WriteNBits writes the nbits-wide field of data into address starting at
// bit shift, via AddBitChange's RMW/plain-write dispatch.
func (t *Target) WriteNBits(address Word, data Word, nbits uint, shift uint) error {
	pkt := NewPacket()
	if err := pkt.AddBitChange(address, data, nbits, shift); err != nil {
		return err
	}
	return t.Exchange(pkt)
}

func (t *Target) keepaliveLoop() {
	defer close(t.keepaliveDone)

	ticker := time.NewTicker(time.Duration(t.cfg.UpdatePeriodMs) * time.Millisecond)
	defer ticker.Stop()

	t.Reconnect()

	for {
		select {
		case <-t.keepaliveEnd:
			return
		case <-ticker.C:
			t.mu.Lock()
			if t.closed.Load() {
				t.mu.Unlock()
				return
			}
			if t.keepaliveSuspended.Load() {
				t.mu.Unlock()
				continue
			}
			if State(t.state.Load()) == Online {
				if t.cfg.Sync != nil {
					t.cfg.Sync()
				} else {
					t.sendStatusLocked()
				}
			} else if t.conn == nil {
				t.reconnectLocked()
			} else {
				t.sendStatusLocked()
			}
			t.mu.Unlock()
		}
	}
}

// Close stops the keepalive loop and closes the underlying socket. It is
// safe to call once; subsequent Exchange/SendStatus calls return
// ErrTransportClosed.
func (t *Target) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(t.keepaliveEnd)
	<-t.keepaliveDone

	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Store(int32(Disconnected))
	if t.conn != nil {
		err := t.conn.Close()
		t.conn = nil
		return err
	}
	return nil
}
