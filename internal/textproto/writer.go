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

import (
	"bufio"
	"io"
)

// writer is a thin buffered writer, trimmed from the original
// textproto.Writer interface down to what replies need: WriteString and
// Flush. DotWriter/Endline are gone because dot-stuffing moved to the
// SentinelScanner on the read side, and replies never need dot-encoding.
type writer struct {
	buffer *bufio.Writer
}

func newWriter(w io.Writer) *writer {
	return &writer{
		buffer: bufio.NewWriter(w),
	}
}

func (w *writer) WriteString(s string) error {
	_, err := w.buffer.WriteString(s)
	return err
}

func (w *writer) Flush() error {
	return w.buffer.Flush()
}
