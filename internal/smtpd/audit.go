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
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	migrate "github.com/rubenv/sql-migrate"

	"github.com/briefrelay/smtpd/internal/log"
)

const auditDriverName = "sqlite3"

func init() {
	migrate.SetTable("audit_migrations")
}

// auditMigrations is kept inline rather than loaded from an embedded
// asset box: the ledger is a single table, and the engine carries no
// other migration-managed schema.
var auditMigrations = &migrate.MemoryMigrationSource{
	Migrations: []*migrate.Migration{
		{
			Id: "0001_connections",
			Up: []string{
				`CREATE TABLE connections (
					id          INTEGER PRIMARY KEY AUTOINCREMENT,
					remote_addr TEXT    NOT NULL,
					accepted_at DATETIME NOT NULL,
					closed_at   DATETIME,
					final_state TEXT
				)`,
			},
			Down: []string{
				`DROP TABLE connections`,
			},
		},
	},
}

// Audit is a connection-lifecycle ledger: accept/disconnect timestamps
// and terminal state per connection, kept for operational visibility.
// It records nothing about envelopes or message bodies — the no
// durability-guarantee contract is about mail content, not about
// whether a connection happened.
type Audit struct {
	conn *sqlx.DB
}

// OpenAudit opens (and migrates) a sqlite3-backed Audit at filename.
// Passing ":memory:" is valid and is what tests use.
func OpenAudit(filename string) (*Audit, error) {
	dsn := auditDataSourceName(filename)

	db, err := sqlx.Open(auditDriverName, dsn)
	if err != nil {
		return nil, err
	}

	n, err := migrate.Exec(db.DB, auditDriverName, auditMigrations, migrate.Up)
	if err != nil {
		return nil, err
	}

	if n > 0 {
		log.Info().Int("migrations", n).Msg("audit ledger migrations applied")
	}

	return &Audit{conn: db}, nil
}

func auditDataSourceName(filename string) string {
	opts := make(url.Values)
	opts.Add("_foreign_keys", "true")

	dsn := url.URL{
		Scheme:   "file",
		Opaque:   filename,
		RawQuery: opts.Encode(),
	}

	return dsn.String()
}

// RecordAccept inserts a new open row and returns its id, to be passed
// to RecordClose once the connection finishes.
func (a *Audit) RecordAccept(ctx context.Context, remoteAddr string) (int64, error) {
	result, err := a.conn.ExecContext(ctx,
		`INSERT INTO connections (remote_addr, accepted_at) VALUES (?, ?)`,
		remoteAddr, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	return result.LastInsertId()
}

// RecordClose fills in the closed_at and final_state columns for id.
func (a *Audit) RecordClose(ctx context.Context, id int64, finalState State) error {
	_, err := a.conn.ExecContext(ctx,
		`UPDATE connections SET closed_at = ?, final_state = ? WHERE id = ?`,
		time.Now().UTC(), finalState.String(), id)
	return err
}

// Close closes the underlying database handle.
func (a *Audit) Close() error {
	return a.conn.Close()
}

// connectionRecord is a single row, used by tests and the operator
// shell's session history view.
type connectionRecord struct {
	ID         int64      `db:"id"`
	RemoteAddr string     `db:"remote_addr"`
	AcceptedAt time.Time  `db:"accepted_at"`
	ClosedAt   *time.Time `db:"closed_at"`
	FinalState *string    `db:"final_state"`
}

// Recent returns up to limit connection records, most recent first.
func (a *Audit) Recent(ctx context.Context, limit int) ([]connectionRecord, error) {
	var records []connectionRecord

	err := a.conn.SelectContext(ctx, &records,
		`SELECT id, remote_addr, accepted_at, closed_at, final_state
		 FROM connections ORDER BY id DESC LIMIT ?`, limit)

	return records, err
}
