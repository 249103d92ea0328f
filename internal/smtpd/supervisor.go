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
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/briefrelay/smtpd/internal/log"
)

const defaultMaxConnections = 100

// logOrigin tags every log line the supervisor and its driver pool
// emit, distinguishing them from a future pop3 or other listener
// sharing the same process.
const logOrigin = "smtpd"

// Config bundles the tunables a Supervisor is constructed with.
type Config struct {
	Hostname       string
	BindAddress    string
	BindPort       int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	CloseTimeout   time.Duration
	MaxConnections int
}

// DefaultConfig returns the tunables the spec calls out as defaults: a
// 60s read timeout (generous for a first line from a client that may
// be slow to say HELO), 10s write and close timeouts, and a 100
// connection cap.
func DefaultConfig(hostname string) Config {
	return Config{
		Hostname:       hostname,
		BindAddress:    "0.0.0.0",
		BindPort:       25,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		CloseTimeout:   10 * time.Second,
		MaxConnections: defaultMaxConnections,
	}
}

// Supervisor accepts TCP connections, enforces the maximum concurrent
// connection cap, spawns a Driver per accepted socket, and reaps
// disconnected connections from its live list.
type Supervisor struct {
	config Config
	cache  *Cache
	inject InjectFunc
	audit  *Audit

	listener net.Listener

	nextConnectionID int32

	mu          sync.Mutex
	connections map[*Driver]int64 // Driver -> audit row id, or 0 if no audit configured
}

// NewSupervisor constructs a Supervisor. cache and audit may both be
// nil; inject may be nil if injected bodies are simply discarded.
func NewSupervisor(config Config, cache *Cache, inject InjectFunc, audit *Audit) *Supervisor {
	if config.MaxConnections <= 0 {
		config.MaxConnections = defaultMaxConnections
	}

	return &Supervisor{
		config:      config,
		cache:       cache,
		inject:      inject,
		audit:       audit,
		connections: make(map[*Driver]int64),
	}
}

// Start binds the configured address and port over TCP/IPv4 and begins
// accepting. It blocks until Stop is called or Accept returns a fatal
// error.
func (s *Supervisor) Start() error {
	addr := net.JoinHostPort(s.config.BindAddress, strconv.Itoa(s.config.BindPort))

	l, err := net.Listen("tcp4", addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	log.Info().Str("addr", addr).Msg("smtpd listening")

	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}

		s.onAccept(conn)
	}
}

// Addr returns the listener's bound address. Only meaningful after
// Start has begun listening; used by tests that bind to port 0.
func (s *Supervisor) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener. Live connections are not forcibly dropped;
// they terminate under their own timeouts.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()

	if l == nil {
		return nil
	}

	return l.Close()
}

// Live returns the number of connections currently tracked.
func (s *Supervisor) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}

// DriverInfo is a snapshot of one live connection, enough for an
// operator shell to list and address by remote address.
type DriverInfo struct {
	RemoteAddr string
	State      State
}

// List returns a snapshot of every connection currently tracked. The
// snapshot may be stale the instant it is returned; it is meant for an
// operator glancing at what is live, not for synchronization.
func (s *Supervisor) List() []DriverInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]DriverInfo, 0, len(s.connections))
	for driver := range s.connections {
		infos = append(infos, DriverInfo{RemoteAddr: driver.RemoteAddr(), State: driver.State()})
	}
	return infos
}

// Kick terminates the live connection with the given remote address, if
// any is found, by cancelling its timeout-controller token. It reports
// whether a matching connection existed.
func (s *Supervisor) Kick(remoteAddr string) bool {
	s.mu.Lock()
	var found *Driver
	for driver := range s.connections {
		if driver.RemoteAddr() == remoteAddr {
			found = driver
			break
		}
	}
	s.mu.Unlock()

	if found == nil {
		return false
	}

	found.Kick()
	return true
}

// onAccept applies the capacity cap and, if there is room, constructs
// and starts a Driver for the new socket.
func (s *Supervisor) onAccept(conn net.Conn) {
	connectionID := atomic.AddInt32(&s.nextConnectionID, 1)
	ctx := log.WithOrigin(context.Background(), logOrigin)
	ctx = log.WithConnection(ctx, connectionID)

	s.mu.Lock()
	full := len(s.connections) >= s.config.MaxConnections
	s.mu.Unlock()

	if full {
		log.WarnContext(ctx).
			Str("remoteAddr", conn.RemoteAddr().String()).
			Int("maxConnections", s.config.MaxConnections).
			Msg("rejecting connection: at capacity")

		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetLinger(0) // abrupt shutdown rather than a graceful FIN
		}
		_ = conn.Close()
		return
	}

	timeouts := NewTimeoutController()
	timeouts.Set(ReadTimeout, s.config.ReadTimeout)
	timeouts.Set(WriteTimeout, s.config.WriteTimeout)
	timeouts.Set(CloseTimeout, s.config.CloseTimeout)

	driver := NewDriver(ctx, conn, s.config.Hostname, timeouts, s.cache, s.inject, s.onDisconnect)

	var auditID int64
	if s.audit != nil {
		id, err := s.audit.RecordAccept(ctx, conn.RemoteAddr().String())
		if err != nil {
			log.WarnContext(ctx).Err(err).Msg("could not record audit accept")
		} else {
			auditID = id
		}
	}

	s.mu.Lock()
	s.connections[driver] = auditID
	s.mu.Unlock()

	go driver.Run()
}

// onDisconnect removes driver from the live list exactly once. If it
// was not present, that is an invariant violation, not a recoverable
// condition.
func (s *Supervisor) onDisconnect(driver *Driver) {
	s.mu.Lock()
	auditID, ok := s.connections[driver]
	delete(s.connections, driver)
	s.mu.Unlock()

	if !ok {
		log.Critical().
			Str("remoteAddr", driver.RemoteAddr()).
			Msg("disconnected connection was not in the live list")
		return
	}

	if s.audit != nil && auditID != 0 {
		if err := s.audit.RecordClose(context.Background(), auditID, driver.State()); err != nil {
			log.Warn().Err(err).Msg("could not record audit close")
		}
	}
}
