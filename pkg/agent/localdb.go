package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"gamehost/pkg/model"
)

var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS servers(id TEXT PRIMARY KEY, owner_id TEXT NOT NULL, doc TEXT NOT NULL);
CREATE TABLE IF NOT EXISTS grants(user_id TEXT NOT NULL, server_id TEXT NOT NULL, permission TEXT NOT NULL, PRIMARY KEY(user_id, server_id, permission));
CREATE TABLE IF NOT EXISTS users(id TEXT PRIMARY KEY, username TEXT NOT NULL, is_admin INTEGER NOT NULL);
CREATE TABLE IF NOT EXISTS stats(server_id TEXT NOT NULL, ts INTEGER NOT NULL, cpu REAL, cpu_count INTEGER, ram INTEGER, ram_avail INTEGER, net_in INTEGER, net_out INTEGER);
CREATE INDEX IF NOT EXISTS idx_stats_server_ts ON stats(server_id, ts);
CREATE TABLE IF NOT EXISTS audit(id TEXT PRIMARY KEY, user_id TEXT, server_id TEXT, text TEXT, ts INTEGER, success INTEGER);
CREATE INDEX IF NOT EXISTS idx_audit_server_ts ON audit(server_id, ts);
`

// SQLiteStore is the node's local state: the servers it hosts, their grants,
// the synchronized user directory, stat samples and the audit trail.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite mkdir: %w", err)
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}
	if _, err := db.ExecContext(pctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite init schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetServer(ctx context.Context, id string) (model.Server, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM servers WHERE id=?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Server{}, fmt.Errorf("server %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Server{}, err
	}
	var srv model.Server
	if err := json.Unmarshal([]byte(doc), &srv); err != nil {
		return model.Server{}, fmt.Errorf("decode server %s: %w", id, err)
	}
	return srv, nil
}

func (s *SQLiteStore) SaveServer(ctx context.Context, srv model.Server) error {
	doc, err := json.Marshal(srv)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO servers(id, owner_id, doc) VALUES(?,?,?) ON CONFLICT(id) DO UPDATE SET owner_id=excluded.owner_id, doc=excluded.doc`,
		srv.ID, srv.OwnerID, string(doc))
	return err
}

func (s *SQLiteStore) DeleteServer(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, q := range []string{
		`DELETE FROM servers WHERE id=?`,
		`DELETE FROM grants WHERE server_id=?`,
		`DELETE FROM stats WHERE server_id=?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListServers(ctx context.Context) ([]model.Server, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM servers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Server
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var srv model.Server
		if err := json.Unmarshal([]byte(doc), &srv); err != nil {
			return nil, err
		}
		out = append(out, srv)
	}
	return out, rows.Err()
}

// Grants returns the user's grants on the server.
func (s *SQLiteStore) Grants(ctx context.Context, serverID, userID string) ([]model.PermissionGrant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT permission FROM grants WHERE server_id=? AND user_id=?`, serverID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.PermissionGrant
	for rows.Next() {
		g := model.PermissionGrant{UserID: userID, ServerID: serverID}
		if err := rows.Scan(&g.Permission); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Grant(ctx context.Context, g model.PermissionGrant) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO grants(user_id, server_id, permission) VALUES(?,?,?)`, g.UserID, g.ServerID, g.Permission)
	return err
}

func (s *SQLiteStore) Revoke(ctx context.Context, g model.PermissionGrant) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM grants WHERE user_id=? AND server_id=? AND permission=?`, g.UserID, g.ServerID, g.Permission)
	return err
}

// UpsertUsers inserts or updates each entry by id.
func (s *SQLiteStore) UpsertUsers(ctx context.Context, users []model.DirectoryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, u := range users {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO users(id, username, is_admin) VALUES(?,?,?) ON CONFLICT(id) DO UPDATE SET username=excluded.username, is_admin=excluded.is_admin`,
			u.ID, u.Username, u.IsAdmin); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (model.DirectoryEntry, error) {
	u := model.DirectoryEntry{ID: id}
	err := s.db.QueryRowContext(ctx, `SELECT username, is_admin FROM users WHERE id=?`, id).Scan(&u.Username, &u.IsAdmin)
	if errors.Is(err, sql.ErrNoRows) {
		return u, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return u, err
}

func (s *SQLiteStore) AppendStat(ctx context.Context, st model.StatSample) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stats(server_id, ts, cpu, cpu_count, ram, ram_avail, net_in, net_out) VALUES(?,?,?,?,?,?,?,?)`,
		st.ServerID, st.Timestamp.UnixNano(), st.CPUUsage, st.CPUCount,
		int64(st.RAMUsage), int64(st.RAMAvailable), int64(st.NetworkInDelta), int64(st.NetworkOutDelta))
	return err
}

func (s *SQLiteStore) PruneStats(ctx context.Context, serverID string, before time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM stats WHERE server_id=? AND ts<?`, serverID, before.UnixNano())
	return err
}

// ListStats returns samples at or after since, oldest first.
func (s *SQLiteStore) ListStats(ctx context.Context, serverID string, since time.Time) ([]model.StatSample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, cpu, cpu_count, ram, ram_avail, net_in, net_out FROM stats WHERE server_id=? AND ts>=? ORDER BY ts`,
		serverID, since.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.StatSample{}
	for rows.Next() {
		var ts, ram, avail, in, outB int64
		st := model.StatSample{ServerID: serverID}
		if err := rows.Scan(&ts, &st.CPUUsage, &st.CPUCount, &ram, &avail, &in, &outB); err != nil {
			return nil, err
		}
		st.Timestamp = time.Unix(0, ts).UTC()
		st.RAMUsage, st.RAMAvailable = uint64(ram), uint64(avail)
		st.NetworkInDelta, st.NetworkOutDelta = uint64(in), uint64(outB)
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendLog(ctx context.Context, e model.LogEntry) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO audit(id, user_id, server_id, text, ts, success) VALUES(?,?,?,?,?,?)`,
		e.ID, e.UserID, e.ServerID, e.Text, e.Timestamp.UnixNano(), e.Success)
	return err
}

// ListLogs returns the newest audit entries for the server, newest first.
func (s *SQLiteStore) ListLogs(ctx context.Context, serverID string, limit int) ([]model.LogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, text, ts, success FROM audit WHERE server_id=? ORDER BY ts DESC LIMIT ?`, serverID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.LogEntry{}
	for rows.Next() {
		var ts int64
		e := model.LogEntry{ServerID: serverID}
		if err := rows.Scan(&e.ID, &e.UserID, &e.Text, &ts, &e.Success); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
