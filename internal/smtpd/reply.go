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

import "strconv"

// Full ESMTP permits multi-line replies (required for a real EHLO
// feature list); this engine never emits more than one line per
// command, so both formatters below produce exactly one CRLF-terminated
// line.

// greetingText formats the unconditional first line of a session. The
// banner carries a trailing "SMTP" marker the way a real server
// identifies the protocol spoken on the port; it is otherwise just
// another single-line reply.
func greetingText(hostname string) string {
	return "220 " + hostname + " SMTP\r\n"
}

// replyText formats "<code> <hostname>\r\n" directly, for call sites
// that already hold a formatted string rather than a reply value (the
// Driver enqueues raw bytes into its outbound buffer).
func replyText(code int, hostname string) string {
	return strconv.Itoa(code) + " " + hostname + "\r\n"
}
