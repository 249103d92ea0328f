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
	"testing"

	"github.com/stretchr/testify/assert"
)

var allVerbs = []Verb{Unknown, Helo, Ehlo, Mail, Rcpt, Data, Quit}

var allStates = []State{
	Error, GreetingSending, GreetingSent, HeloReceived, HeloAccepted,
	EhloReceived, EhloAccepted, MailReceived, MailAccepted, RcptReceived,
	RcptAccepted, DataReceived, DataAccepted, DataEnded, QuitReceived,
	QuitAccepted, Close,
}

// TestOnCommandEveryPairIsListedOrError is P2: for every (state, verb)
// pair, OnCommand either matches a listed transition or lands in ERROR.
// There is no third outcome.
func TestOnCommandEveryPairIsListedOrError(t *testing.T) {
	for _, s := range allStates {
		for _, v := range allVerbs {
			f := &FSM{state: s}
			cmd := Command{Verb: v}

			accepted := f.OnCommand(cmd)

			listed, ok := onCommandTable[s][v]
			if ok {
				assert.True(t, accepted, "state %s verb %s should be accepted", s, v)
				assert.Equal(t, listed, f.State())
			} else {
				assert.False(t, accepted, "state %s verb %s should be rejected", s, v)
				assert.Equal(t, Error, f.State())
			}
		}
	}
}

func TestOnCommandHappyPath(t *testing.T) {
	f := NewFSM()
	f.ForceState(GreetingSending)

	require := func(ok bool) { assert.True(t, ok) }

	require(f.OnWriteComplete())
	assert.Equal(t, GreetingSent, f.State())

	require(f.OnCommand(Command{Verb: Helo}))
	assert.Equal(t, HeloReceived, f.State())

	require(f.OnWriteComplete())
	assert.Equal(t, HeloAccepted, f.State())

	require(f.OnCommand(Command{Verb: Mail}))
	assert.Equal(t, MailReceived, f.State())

	require(f.OnWriteComplete())
	assert.Equal(t, MailAccepted, f.State())

	require(f.OnCommand(Command{Verb: Rcpt}))
	assert.Equal(t, RcptReceived, f.State())

	require(f.OnWriteComplete())
	assert.Equal(t, RcptAccepted, f.State())

	require(f.OnCommand(Command{Verb: Data}))
	assert.Equal(t, DataReceived, f.State())

	require(f.OnWriteComplete())
	assert.Equal(t, DataAccepted, f.State())

	f.ForceState(DataEnded)
	require(f.OnWriteComplete())
	assert.Equal(t, DataEnded, f.State())

	require(f.OnCommand(Command{Verb: Quit}))
	assert.Equal(t, QuitAccepted, f.State())

	require(f.OnWriteComplete())
	assert.Equal(t, Close, f.State())
}

func TestOnCommandUnknownVerbAlwaysRejected(t *testing.T) {
	for _, s := range allStates {
		f := &FSM{state: s}
		accepted := f.OnCommand(Command{Verb: Unknown})
		assert.False(t, accepted)
		assert.Equal(t, Error, f.State())
	}
}

func TestOnCommandOutOfOrderRcptRejected(t *testing.T) {
	f := &FSM{state: HeloAccepted}
	accepted := f.OnCommand(Command{Verb: Rcpt})
	assert.False(t, accepted)
	assert.Equal(t, Error, f.State())
}

func TestOnWriteCompleteInvalidStateRejected(t *testing.T) {
	for _, s := range []State{Error, GreetingSent, HeloAccepted, EhloAccepted, MailAccepted, RcptAccepted, DataAccepted, Close} {
		f := &FSM{state: s}
		accepted := f.OnWriteComplete()
		assert.False(t, accepted)
		assert.Equal(t, Error, f.State())
	}
}

func TestForceStateBypassesTables(t *testing.T) {
	f := NewFSM()
	f.ForceState(DataEnded)
	assert.Equal(t, DataEnded, f.State())
}

func TestRcptCanRepeat(t *testing.T) {
	f := &FSM{state: RcptAccepted}
	accepted := f.OnCommand(Command{Verb: Rcpt})
	assert.True(t, accepted)
	assert.Equal(t, RcptReceived, f.State())
}

func TestQuitAcceptedFromEveryAcceptedState(t *testing.T) {
	for _, s := range []State{HeloAccepted, EhloAccepted, MailAccepted, RcptAccepted, DataEnded} {
		f := &FSM{state: s}
		accepted := f.OnCommand(Command{Verb: Quit})
		assert.True(t, accepted)
		assert.Equal(t, QuitAccepted, f.State())
	}
}
