// Package sqlite is a domain.GroupStore backed by a single SQLite file.
//
// Shared secrets are sealed with the passphrase envelope before they reach
// the database; names, roles and directory snapshots are stored in clear.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"syncshell/internal/crypto"
	"syncshell/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

const Filename = "syncshell.db"

type GroupStore struct {
	db         *sql.DB
	passphrase string
	now        func() time.Time
}

// Open opens (creating if needed) dir/syncshell.db.
func Open(dir, passphrase string) (*GroupStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, Filename)+
		"?_pragma=journal_mode(WAL)"+
		"&_pragma=busy_timeout(5000)"+
		"&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &GroupStore{db: db, passphrase: passphrase, now: time.Now}, nil
}

func (s *GroupStore) Close() error {
	return s.db.Close()
}

func (s *GroupStore) LoadGroups(ctx context.Context) ([]domain.GroupRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, secret, role, active, roster, created_at, last_activity
		 FROM groups ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.GroupRecord
	for rows.Next() {
		var (
			g                  domain.GroupRecord
			sealed             []byte
			roster             string
			active             int
			created, lastTouch int64
		)
		if err := rows.Scan(&g.ID, &g.Name, &sealed, &g.Role, &active, &roster, &created, &lastTouch); err != nil {
			return nil, err
		}
		secret, err := crypto.OpenWithPassphrase(s.passphrase, sealed)
		if err != nil {
			return nil, fmt.Errorf("group %s: %w", g.ID.Short(), err)
		}
		if err := json.Unmarshal([]byte(roster), &g.Roster); err != nil {
			return nil, fmt.Errorf("group %s roster: %w", g.ID.Short(), err)
		}
		g.SharedSecret = string(secret)
		g.Active = active != 0
		g.CreatedAt = time.UnixMilli(created).UTC()
		g.LastActivity = time.UnixMilli(lastTouch).UTC()
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *GroupStore) SaveGroup(ctx context.Context, g domain.GroupRecord) error {
	if g.ID == "" {
		return errors.New("sqlite: group without id")
	}
	sealed, err := crypto.SealWithPassphrase(s.passphrase, []byte(g.SharedSecret))
	if err != nil {
		return err
	}
	roster := g.Roster
	if roster == nil {
		roster = []string{}
	}
	rosterJSON, err := json.Marshal(roster)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO groups (id, name, secret, role, active, roster, created_at, last_activity)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   secret = excluded.secret,
		   role = excluded.role,
		   active = excluded.active,
		   roster = excluded.roster,
		   created_at = excluded.created_at,
		   last_activity = excluded.last_activity`,
		string(g.ID), g.Name, sealed, string(g.Role), boolInt(g.Active), string(rosterJSON),
		g.CreatedAt.UnixMilli(), g.LastActivity.UnixMilli())
	return err
}

// DeleteGroup removes the group and its directory snapshot in one
// transaction.
func (s *GroupStore) DeleteGroup(ctx context.Context, id domain.GroupHash) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM groups WHERE id = ?`, string(id)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM directories WHERE group_id = ?`, string(id)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *GroupStore) SaveDirectory(ctx context.Context, id domain.GroupHash, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO directories (group_id, snapshot, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(group_id) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		string(id), data, s.now().UnixMilli())
	return err
}

func (s *GroupStore) LoadDirectory(ctx context.Context, id domain.GroupHash) ([]byte, bool, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM directories WHERE group_id = ?`, string(id)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ domain.GroupStore = (*GroupStore)(nil)
