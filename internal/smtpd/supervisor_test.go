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
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestSupervisor(t *testing.T, maxConnections int) *Supervisor {
	config := DefaultConfig("localhost")
	config.BindAddress = "127.0.0.1"
	config.BindPort = 0
	config.MaxConnections = maxConnections
	config.ReadTimeout = 2 * time.Second
	config.WriteTimeout = 2 * time.Second
	config.CloseTimeout = 2 * time.Second

	s := NewSupervisor(config, nil, nil, nil)

	started := make(chan struct{})
	go func() {
		// Start blocks in Accept, so there is no race-free signal other
		// than polling Addr() below. A closure just keeps errcheck happy.
		_ = s.Start()
	}()

	require.Eventually(t, func() bool {
		return s.Addr() != nil
	}, time.Second, 10*time.Millisecond)
	close(started)

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func dialSupervisor(t *testing.T, s *Supervisor) net.Conn {
	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// TestSupervisorAcceptAndDisconnectIsClean covers P5: a connection that
// runs to QUIT and closes is fully reaped from the live list.
func TestSupervisorAcceptAndDisconnectIsClean(t *testing.T) {
	s := startTestSupervisor(t, 10)
	conn := dialSupervisor(t, s)

	reader := bufio.NewReader(conn)
	_, err := reader.ReadString('\n') // greeting
	require.NoError(t, err)

	_, err = conn.Write([]byte("HELO x\r\n"))
	require.NoError(t, err)
	_, err = reader.ReadString('\n') // 250 reply
	require.NoError(t, err)

	_, err = conn.Write([]byte("QUIT\r\n"))
	require.NoError(t, err)
	_, err = reader.ReadString('\n') // 221 reply
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return s.Live() == 0
	}, time.Second, 10*time.Millisecond)
}

// TestSupervisorCapacityCapRejectsExcessConnections covers scenario 6:
// once MaxConnections is reached, further accepted sockets are closed
// immediately without a greeting, while existing connections continue.
func TestSupervisorCapacityCapRejectsExcessConnections(t *testing.T) {
	s := startTestSupervisor(t, 1)

	first := dialSupervisor(t, s)
	firstReader := bufio.NewReader(first)
	_, err := firstReader.ReadString('\n')
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return s.Live() == 1
	}, time.Second, 10*time.Millisecond)

	second := dialSupervisor(t, s)

	// The rejected connection is closed without ever sending a greeting.
	second.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err = second.Read(buf)
	assert.Error(t, err, "rejected connection should be closed, not greeted")

	assert.Equal(t, 1, s.Live(), "the existing connection should be unaffected")

	_, err = first.Write([]byte("HELO x\r\n"))
	require.NoError(t, err)
	_, err = firstReader.ReadString('\n')
	require.NoError(t, err)

	_, err = first.Write([]byte("QUIT\r\n"))
	require.NoError(t, err)
	_, err = firstReader.ReadString('\n')
	require.NoError(t, err)
}

// TestSupervisorListAndKick covers the operator-shell path: a live
// connection shows up in List() by its remote address, and Kick()
// against that address terminates it without the client ever sending
// QUIT.
func TestSupervisorListAndKick(t *testing.T) {
	s := startTestSupervisor(t, 10)
	conn := dialSupervisor(t, s)

	reader := bufio.NewReader(conn)
	_, err := reader.ReadString('\n') // greeting
	require.NoError(t, err)

	var infos []DriverInfo
	require.Eventually(t, func() bool {
		infos = s.List()
		return len(infos) == 1
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, conn.LocalAddr().String(), infos[0].RemoteAddr)

	assert.True(t, s.Kick(infos[0].RemoteAddr))
	assert.False(t, s.Kick("203.0.113.1:12345"), "kicking an address with no live connection reports false")

	_, err = reader.ReadByte()
	assert.Error(t, err, "kicked connection should close without a reply")

	assert.Eventually(t, func() bool {
		return s.Live() == 0
	}, time.Second, 10*time.Millisecond)
}
