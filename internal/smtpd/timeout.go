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
	"context"
	"sync"
	"time"
)

// TimeoutKind identifies which of a connection's three configurable
// durations a timer is armed against.
type TimeoutKind int

const (
	ReadTimeout TimeoutKind = iota
	WriteTimeout
	CloseTimeout
)

const (
	minTimeout     = 1 * time.Second
	maxTimeout     = 240 * time.Second
	defaultTimeout = 10 * time.Second
)

// TimeoutController owns the single cancellation scope shared with
// whichever I/O operation is currently outstanding on a connection, plus
// the three durations that scope's deadline is drawn from.
//
// Source cancellation tokens are one-shot but get "reset" after having
// already fired; context.Context has no such reset. start therefore
// allocates a fresh context/cancel pair per call instead of reusing one,
// which models the reset as a new scope rather than mutating an old one.
type TimeoutController struct {
	mu sync.Mutex

	durations [3]time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	onCancel func()
}

// NewTimeoutController returns a controller with all three durations set
// to defaultTimeout and no timer armed.
func NewTimeoutController() *TimeoutController {
	return &TimeoutController{
		durations: [3]time.Duration{defaultTimeout, defaultTimeout, defaultTimeout},
	}
}

// Get returns the configured duration for kind.
func (t *TimeoutController) Get(kind TimeoutKind) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.durations[kind]
}

// Set configures the duration for kind, clamped to [1s, 240s].
func (t *TimeoutController) Set(kind TimeoutKind, d time.Duration) {
	if d < minTimeout {
		d = minTimeout
	}
	if d > maxTimeout {
		d = maxTimeout
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.durations[kind] = d
}

// OnCancel registers the handler invoked when the currently armed timer
// expires. A later call replaces the previously registered handler.
func (t *TimeoutController) OnCancel(handler func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCancel = handler
}

// Start disarms any previously armed timer and arms a fresh one for
// duration[kind], returning the context the caller's I/O operation
// should observe. Only one timer is ever armed on a connection at a
// time (P4); the Driver enforces this by calling Start exactly once per
// suspension point.
func (t *TimeoutController) Start(kind TimeoutKind) context.Context {
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.durations[kind])
	t.ctx = ctx
	t.cancel = cancel
	handler := t.onCancel
	t.mu.Unlock()

	if handler != nil {
		go func() {
			<-ctx.Done()
			if ctx.Err() == context.DeadlineExceeded {
				handler()
			}
		}()
	}

	return ctx
}

// Stop disarms the currently armed timer, if any, without invoking the
// cancel handler. kind is accepted for call-site symmetry with Start;
// since at most one timer is ever armed, it is not otherwise consulted.
func (t *TimeoutController) Stop(_ TimeoutKind) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
		t.ctx = nil
	}
}

// GetToken returns the context of the currently armed timer, or nil if
// none is armed.
func (t *TimeoutController) GetToken() context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ctx
}

// Cancel disarms the currently armed timer, if any, and invokes the
// registered cancel handler directly rather than waiting for the
// deadline to pass. This is how an operator "kicks" a connection by
// hand: the same handler a natural timeout would have fired, fired
// early instead of on expiry.
func (t *TimeoutController) Cancel() {
	t.mu.Lock()
	armed := t.cancel != nil
	handler := t.onCancel
	t.mu.Unlock()

	if !armed {
		return
	}

	t.Stop(ReadTimeout)

	if handler != nil {
		handler()
	}
}
