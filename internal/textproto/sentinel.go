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

package textproto

import "bytes"

var (
	crlf           = []byte("\r\n")
	sentinelMiddle = []byte("\r\n.\r\n")
	sentinelAtomic = []byte(".\r\n")
)

// SentinelScanner accumulates a DATA body fed in arbitrary-sized chunks
// and detects the "\r\n.\r\n" terminator, the same sentinel the original
// dotReader looked for one line at a time. Feeding by chunk rather than
// by line means the sentinel can straddle a chunk boundary, so the scan
// runs over the whole buffer accumulated so far on every call rather
// than tracking a single-line state machine.
//
// The zero value is ready to use.
type SentinelScanner struct {
	raw  []byte
	body []byte
	done bool
}

// Feed appends chunk to the accumulated input and reports whether the
// sentinel has now been seen. Once it returns true, Body and Len are
// valid; further calls to Feed are not meaningful until Reset.
func (s *SentinelScanner) Feed(chunk []byte) bool {
	if s.done {
		return true
	}

	s.raw = append(s.raw, chunk...)

	end := indexSentinel(s.raw)
	if end < 0 {
		return false
	}

	s.body = unstuff(s.raw[:end])
	s.done = true

	return true
}

// Len returns the length of the accumulated, dot-unstuffed body.
func (s *SentinelScanner) Len() int {
	return len(s.body)
}

// Body returns the accumulated, dot-unstuffed body, not including the
// terminating sentinel line.
func (s *SentinelScanner) Body() []byte {
	return s.body
}

// Reset clears the scanner so it can accumulate a new body.
func (s *SentinelScanner) Reset() {
	s.raw = nil
	s.body = nil
	s.done = false
}

// indexSentinel returns the offset at which the body ends, or -1 if the
// sentinel has not appeared yet. A body consisting of a single
// terminator line has no preceding CRLF to anchor on, so that case is
// checked separately.
func indexSentinel(raw []byte) int {
	if bytes.HasPrefix(raw, sentinelAtomic) {
		return 0
	}

	if i := bytes.Index(raw, sentinelMiddle); i >= 0 {
		return i
	}

	return -1
}

// unstuff removes one leading '.' from any line that starts with '.',
// the transparency rule RFC 5321 requires on the wire so a line of
// literal dots is never confused with the terminator.
func unstuff(body []byte) []byte {
	if len(body) == 0 {
		return body
	}

	lines := bytes.Split(body, crlf)
	for i, line := range lines {
		if len(line) > 0 && line[0] == '.' {
			lines[i] = line[1:]
		}
	}

	return bytes.Join(lines, crlf)
}
