// Copyright (C) 2019  Lukas Dietrich <lukas@lukasdietrich.com>
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

// Package address normalizes the envelope addresses a connection collects
// into a comparable, loggable form. It never rejects anything the SMTP
// layer already accepted; a failed normalization just falls back to the
// raw string.
package address

import (
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"
)

// Address is a normalized "local-part@domain" string, kept apart so a
// caller can't accidentally mix up a raw bracketed token with a
// normalized one.
type Address struct {
	raw string
	at  int
}

// Parse splits raw at the last "@" sign. An address with no "@" sign at
// all (including the empty string from `MAIL FROM:<>`) is returned with
// at == -1: LocalPart() is then the whole string and Domain() is empty.
func Parse(raw string) Address {
	return Address{raw: raw, at: strings.LastIndex(raw, "@")}
}

// Normalize parses raw and rewrites its domain part to Unicode NFC form
// using IDNA lookup rules. If the domain cannot be normalized (e.g. it is
// not valid IDNA, or raw has no domain part at all), the original string
// is kept unchanged — normalization is cosmetic, never a rejection.
func Normalize(raw string) Address {
	addr := Parse(raw)

	domain := addr.Domain()
	if domain == "" {
		return addr
	}

	normalized, err := DomainToUnicode(domain)
	if err != nil || normalized == domain {
		return addr
	}

	localPart := addr.LocalPart()
	return Address{raw: localPart + "@" + normalized, at: len(localPart)}
}

// String returns the address in "local-part@domain" form.
func (a Address) String() string {
	return a.raw
}

// LocalPart returns the part left of the "@" sign, or the whole string if
// there is no "@" sign.
func (a Address) LocalPart() string {
	if a.at < 0 {
		return a.raw
	}
	return a.raw[:a.at]
}

// Domain returns the part right of the "@" sign, or "" if there is none.
func (a Address) Domain() string {
	if a.at < 0 {
		return ""
	}
	return a.raw[a.at+1:]
}

// DomainToUnicode normalizes a punycode domain to Unicode and applies the
// NFC normal form.
func DomainToUnicode(domain string) (string, error) {
	mapped, err := idna.Lookup.ToUnicode(domain)
	if err != nil {
		return domain, err
	}

	return norm.NFC.String(mapped), nil
}

// DomainToASCII transforms a Unicode domain to punycode.
func DomainToASCII(domain string) (string, error) {
	mapped, err := DomainToUnicode(domain)
	if err != nil {
		return domain, err
	}

	return idna.Lookup.ToASCII(mapped)
}
