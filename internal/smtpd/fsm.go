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

// FSM is the protocol state container for a single connection. It holds
// no I/O of its own: the Driver owns the socket and calls into the FSM
// once per command or once per completed write.
type FSM struct {
	state State
}

// NewFSM returns an FSM in the ERROR state. A Driver is expected to call
// ForceState(GreetingSending) immediately after construction, before any
// event is dispatched.
func NewFSM() *FSM {
	return &FSM{state: Error}
}

// State returns the current state.
func (f *FSM) State() State {
	return f.state
}

// onCommandTable maps a (state, verb) pair to the state reached on an
// accepted OnCommand event. Pairs absent from this table reject the
// event and drive the FSM to ERROR.
//
// EHLO is modelled as behaving exactly like HELO once accepted, so
// EhloAccepted appears wherever HeloAccepted does; the alternative
// (EHLO never reaching parity with HELO) was ruled out as it would make
// an already-accepted EHLO session unable to ever send mail.
var onCommandTable = map[State]map[Verb]State{
	GreetingSending: {
		Helo: HeloReceived,
		Ehlo: EhloReceived,
	},
	GreetingSent: {
		Helo: HeloReceived,
		Ehlo: EhloReceived,
	},
	HeloAccepted: {
		Mail: MailReceived,
		Quit: QuitAccepted,
	},
	EhloAccepted: {
		Mail: MailReceived,
		Quit: QuitAccepted,
	},
	MailAccepted: {
		Rcpt: RcptReceived,
		Quit: QuitAccepted,
	},
	RcptAccepted: {
		Rcpt: RcptReceived,
		Data: DataReceived,
		Quit: QuitAccepted,
	},
	DataEnded: {
		Quit: QuitAccepted,
	},
}

// OnCommand dispatches a parsed command against the current state. It
// reports whether the transition was accepted; on rejection the FSM
// moves to ERROR and the caller must fail the connection.
func (f *FSM) OnCommand(cmd Command) bool {
	transitions, ok := onCommandTable[f.state]
	if !ok {
		f.state = Error
		return false
	}

	next, ok := transitions[cmd.Verb]
	if !ok {
		f.state = Error
		return false
	}

	f.state = next
	return true
}

// onWriteCompleteTable maps a "_RECEIVED" (or otherwise write-pending)
// state to the state reached once the Driver confirms the response was
// written in full.
var onWriteCompleteTable = map[State]State{
	GreetingSending: GreetingSent,
	HeloReceived:    HeloAccepted,
	EhloReceived:    EhloAccepted,
	MailReceived:    MailAccepted,
	RcptReceived:    RcptAccepted,
	DataReceived:    DataAccepted,
	DataEnded:       DataEnded, // idempotent: the DATA_ENDED reply's write-complete keeps it put.
	QuitReceived:    QuitAccepted,
	QuitAccepted:    Close,
}

// OnWriteComplete advances a write-pending state once the full response
// has been confirmed on the wire. It reports whether the current state
// was a valid write-complete target; on rejection the FSM moves to
// ERROR.
func (f *FSM) OnWriteComplete() bool {
	next, ok := onWriteCompleteTable[f.state]
	if !ok {
		f.state = Error
		return false
	}

	f.state = next
	return true
}

// ForceState sets the state directly, bypassing the transition tables.
// Used by the Driver for the two events that do not originate from a
// parsed command or a completed write: marking GREETING_SENDING right
// after construction, and marking DATA_ENDED once the body sentinel has
// been observed mid-read.
func (f *FSM) ForceState(s State) {
	f.state = s
}
