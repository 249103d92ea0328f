// Copyright (C) 2018  Lukas Dietrich <lukas@lukasdietrich.com>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package smtpd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/briefrelay/smtpd/internal/log"
	"github.com/briefrelay/smtpd/internal/textproto"
)

// readChunkSize is the maximum number of bytes read per Read call,
// both for command lines and for DATA body chunks.
const readChunkSize = 2048

// InjectFunc is handed the connection's logging context, the finished
// envelope, and a reader over the raw message body (the Received
// header already prepended) once a DATA transaction completes. The
// engine makes no durability guarantees about the body: the backing
// Sink is released as soon as InjectFunc returns.
type InjectFunc func(ctx context.Context, envelope Envelope, body io.Reader) error

// Driver is the per-connection coordinator: it owns the socket, the
// Parser (a pure function, so nothing to own there beyond the call
// site), the FSM, and the Timeout Controller, and drives them through
// the write/read/close phases of a single SMTP dialogue.
//
// Each Driver runs on its own goroutine using blocking I/O with
// deadlines drawn from its TimeoutController, one of the two
// concurrency models under which the cooperative single-threaded
// reference design may be ported; see DESIGN.md.
type Driver struct {
	conn     *textproto.Conn
	fsm      *FSM
	timeouts *TimeoutController
	hostname string
	envelope *Envelope
	scanner  textproto.SentinelScanner
	cache    *Cache
	inject   InjectFunc

	onDisconnect     func(*Driver)
	disconnectedOnce sync.Once

	logCtx context.Context
}

// NewDriver constructs a Driver around an already accepted socket. ctx
// carries whatever fields the caller has already attached (typically
// the connection identifier and origin set by the Supervisor); NewDriver
// adds the remote address on top. It does not start the dialogue; call
// Run for that. cache may be nil, in which case a finished body is kept
// in memory only for the duration of the InjectFunc call.
func NewDriver(ctx context.Context, conn net.Conn, hostname string, timeouts *TimeoutController, cache *Cache, inject InjectFunc, onDisconnect func(*Driver)) *Driver {
	tc := textproto.NewConn(conn)

	d := &Driver{
		conn:         tc,
		fsm:          NewFSM(),
		timeouts:     timeouts,
		hostname:     hostname,
		envelope:     newEnvelope(tc.RemoteAddr()),
		cache:        cache,
		inject:       inject,
		onDisconnect: onDisconnect,
		logCtx:       log.WithRemoteAddr(ctx, tc.RemoteAddr()),
	}

	timeouts.OnCancel(d.forceDeadline)

	return d
}

// forceDeadline moves the underlying socket's deadline into the past,
// unblocking whichever read or write is currently outstanding. It is
// the TimeoutController's cancel handler, so it runs both when a timer
// expires naturally and when Kick fires one early.
func (d *Driver) forceDeadline() {
	_ = d.conn.SetDeadline(time.Unix(0, 0))
}

// Kick forcibly terminates the connection by cancelling its
// currently-armed timeout token, the same mechanism a natural timeout
// uses to unblock a stuck read or write. Used by the operator shell.
func (d *Driver) Kick() {
	d.timeouts.Cancel()
}

// RemoteAddr returns the remote address of the underlying socket, used
// by the Supervisor to identify a Driver in its live-connections list.
func (d *Driver) RemoteAddr() string {
	return d.conn.RemoteAddr()
}

// State returns the current FSM state, mostly useful to tests and to
// an operator shell inspecting live connections.
func (d *Driver) State() State {
	return d.fsm.State()
}

// Run drives the connection to completion: greeting, then alternating
// write/read phases until the FSM reaches CLOSE or a phase fails. It
// blocks until disconnected has been emitted, so callers run it on its
// own goroutine.
//
// The phases are an explicit loop rather than the phases calling each
// other, so an arbitrarily long-lived session (the single-transaction
// rule still allows any number of RCPT round trips) never grows the
// call stack.
func (d *Driver) Run() {
	log.DebugContext(d.logCtx).Msg("accepted connection")

	d.fsm.ForceState(GreetingSending)
	outbound := []byte(greetingText(d.hostname))

	for {
		if !d.write(outbound) {
			return
		}

		if d.fsm.State() == Close {
			d.closePhase()
			return
		}

		next, ok := d.read()
		if !ok {
			return
		}

		outbound = next
	}
}

// write arms the WRITE timer, writes buf in full, and advances the FSM
// on success. A short write with no error cannot occur here: the
// underlying bufio.Writer.Flush always surfaces a short write as
// io.ErrShortWrite, so the "partial write, no error" contract the spec
// calls out is satisfied by the stdlib's own invariant rather than
// extra bookkeeping. Returns false if the connection has been failed.
func (d *Driver) write(buf []byte) bool {
	ctx := d.timeouts.Start(WriteTimeout)
	deadline, _ := ctx.Deadline()

	if err := d.conn.SetWriteDeadline(deadline); err != nil {
		d.fail()
		return false
	}

	w := d.conn.Writer()
	if err := w.WriteString(string(buf)); err != nil {
		d.fail()
		return false
	}

	if err := w.Flush(); err != nil {
		d.fail()
		return false
	}

	d.timeouts.Stop(WriteTimeout)

	if !d.fsm.OnWriteComplete() {
		d.fail()
		return false
	}

	return true
}

// read arms the READ timer and reads chunks until it has something to
// reply with: either a fully accepted command, or the end of a DATA
// body. While accumulating a DATA body it loops internally, re-arming
// the READ timer for each chunk, without returning to the caller.
// Returns the reply to write next, or ok=false if the connection has
// been failed.
func (d *Driver) read() ([]byte, bool) {
	for {
		ctx := d.timeouts.Start(ReadTimeout)
		deadline, _ := ctx.Deadline()

		if err := d.conn.SetReadDeadline(deadline); err != nil {
			d.fail()
			return nil, false
		}

		buf := make([]byte, readChunkSize)
		n, err := d.conn.Read(buf)
		if err != nil {
			d.fail()
			return nil, false
		}

		d.timeouts.Stop(ReadTimeout)

		if d.fsm.State().Accumulating() {
			reply, done := d.onBodyChunk(buf[:n])
			if !done {
				continue
			}
			return reply, true
		}

		return d.onCommandChunk(buf[:n])
	}
}

// onBodyChunk feeds a chunk of DATA body into the sentinel scanner. Once
// the sentinel is found, the accumulated body (with the Received header
// prepended) is handed to InjectFunc, the FSM is forced to DATA_ENDED,
// and the 250 reply is returned for the caller to write.
func (d *Driver) onBodyChunk(chunk []byte) (reply []byte, done bool) {
	if !d.scanner.Feed(chunk) {
		return nil, false
	}

	d.deliverBody()

	d.fsm.ForceState(DataEnded)
	return []byte(replyText(250, d.hostname)), true
}

// deliverBody prepends a Received trace header to the accumulated
// message body, spills it into a Sink if a Cache is configured, and
// hands it to InjectFunc. The Sink (if any) is released as soon as the
// callback returns, per the no-durability contract.
func (d *Driver) deliverBody() {
	if d.inject == nil {
		return
	}

	d.envelope.Date = time.Now()
	header := receivedHeader(d.envelope.RemoteAddr, d.envelope.HeloDomain, d.hostname, d.envelope.Date)

	var buffer bytes.Buffer
	buffer.Grow(len(header) + d.scanner.Len())
	buffer.Write(header)
	buffer.Write(d.scanner.Body())

	if d.cache == nil {
		d.invokeInject(bytes.NewReader(buffer.Bytes()))
		return
	}

	sink, err := d.cache.Write(d.logCtx, &buffer)
	if err != nil {
		log.WarnContext(d.logCtx).Err(err).Msg("could not stage message body for injection")
		return
	}
	defer func() {
		if err := sink.Release(d.logCtx); err != nil {
			log.WarnContext(d.logCtx).Err(err).Msg("could not release message body scratch space")
		}
	}()

	reader, err := sink.Reader()
	if err != nil {
		log.WarnContext(d.logCtx).Err(err).Msg("could not read staged message body")
		return
	}

	d.invokeInject(reader)
}

func (d *Driver) invokeInject(body io.Reader) {
	if err := d.inject(d.logCtx, *d.envelope, body); err != nil {
		log.WarnContext(d.logCtx).Err(err).Msg("inject callback returned an error")
	}
}

// onCommandChunk parses a single command line and advances the FSM.
// Parse failures and the UNKNOWN verb are both connection-fatal with no
// reply, per the literal error-handling contract (see DESIGN.md for why
// the softer "consider a 5xx" suggestion from the source was not
// taken).
func (d *Driver) onCommandChunk(chunk []byte) ([]byte, bool) {
	ctx := log.WithState(d.logCtx, d.fsm.State().String())

	cmd, err := Parse(chunk)
	if err != nil {
		log.WarnContext(ctx).Err(err).Msg("could not parse command")
		d.fail()
		return nil, false
	}

	ctx = log.WithCommand(ctx, cmd.Verb.String())

	if cmd.Verb == Unknown {
		log.WarnContext(ctx).Msg("rejecting unknown verb")
		d.fail()
		return nil, false
	}

	if !d.fsm.OnCommand(cmd) {
		log.WarnContext(ctx).Msg("command not legal in current state")
		d.fail()
		return nil, false
	}

	log.DebugContext(ctx).Msg("accepted command")

	d.applyEnvelope(cmd)
	return []byte(replyText(cmd.DefaultCode, d.hostname)), true
}

// applyEnvelope records the side effects of a successfully accepted
// command onto the connection's single mail transaction.
func (d *Driver) applyEnvelope(cmd Command) {
	switch cmd.Verb {
	case Helo, Ehlo:
		d.envelope.setHelo(cmd.Domain)
	case Mail:
		d.envelope.setFrom(cmd.Address)
	case Rcpt:
		d.envelope.addTo(cmd.Address)
	}
}

// closePhase arms the CLOSE timer and closes the socket. Go's net.Conn
// Close is synchronous, so there is no separate "cancelled during
// close" path and no shutdown+close fallback: a single Close call is
// made, and any error from it other than net.ErrClosed is logged.
func (d *Driver) closePhase() {
	d.timeouts.Start(CloseTimeout)

	if err := d.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.WarnContext(d.logCtx).Err(err).Msg("error while closing connection")
	}

	d.timeouts.Stop(CloseTimeout)
	d.disconnect()
}

// fail initiates the close phase for any connection-fatal condition:
// ParseError, ProtocolError, IoError, or Cancelled. CapacityError never
// reaches a Driver at all; the Supervisor rejects those sockets before
// a Driver is constructed.
func (d *Driver) fail() {
	d.closePhase()
}

// disconnect emits the disconnected event exactly once (P5), regardless
// of how many internal paths reach it.
func (d *Driver) disconnect() {
	d.disconnectedOnce.Do(func() {
		if d.onDisconnect != nil {
			d.onDisconnect(d)
		}
	})
}
