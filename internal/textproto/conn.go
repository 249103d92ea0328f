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

import "net"

// Conn wraps a net.Conn with a buffered Writer, the same split the
// original textproto package draws between raw socket and framed
// reading/writing. Command framing moved into the Parser component, so
// Conn itself no longer does line splitting; it just adds a flushable
// write buffer on top of the socket's Read/Write/deadline methods,
// which are promoted unchanged through the embedded net.Conn.
type Conn struct {
	net.Conn
	w *writer
}

// NewConn wraps an already accepted socket.
func NewConn(conn net.Conn) *Conn {
	return &Conn{
		Conn: conn,
		w:    newWriter(conn),
	}
}

// RemoteAddr returns the remote address as a string, which is all the
// Driver and its logging ever need.
func (c *Conn) RemoteAddr() string {
	return c.Conn.RemoteAddr().String()
}

// Writer returns the buffered writer over this connection.
func (c *Conn) Writer() *writer {
	return c.w
}
