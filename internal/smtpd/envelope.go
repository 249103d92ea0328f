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
	"time"

	"github.com/briefrelay/smtpd/internal/address"
)

// Envelope accumulates the single mail transaction a connection is
// permitted to carry (§ single transaction per connection: after
// DATA_ENDED only QUIT is accepted). It is reset to its zero value on
// construction and never reused across connections.
type Envelope struct {
	RemoteAddr string
	HeloDomain string
	From       string
	To         []string
	Date       time.Time
}

func newEnvelope(remoteAddr string) *Envelope {
	return &Envelope{RemoteAddr: remoteAddr}
}

func (e *Envelope) setHelo(domain string) {
	e.HeloDomain = domain
}

// setFrom records the MAIL FROM address, normalized for comparison and
// logging. Normalization never rejects: an address the Parser already
// accepted (including the empty string from "MAIL FROM:<>") is always
// recorded, punycode-decoded where possible.
func (e *Envelope) setFrom(addr string) {
	e.From = address.Normalize(addr).String()
}

// addTo records a RCPT TO address, normalized the same way as From.
func (e *Envelope) addTo(addr string) {
	e.To = append(e.To, address.Normalize(addr).String())
}
