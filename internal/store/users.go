package store

import (
	"context"
	"database/sql"
	"errors"

	"jobctl/internal/job"
)

// UpsertUser inserts a user or refreshes the host account fields of an
// existing one with the same username. It reports whether a row was created.
func (q *Queries) UpsertUser(ctx context.Context, u *job.User) (bool, error) {
	var existing string
	err := q.queryRow(ctx, `SELECT id FROM users WHERE username = ?`, u.Username).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = q.exec(ctx, "store.insertUser",
			`INSERT INTO users (id, username, email, role, uid, home_dir, shell, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			u.ID, u.Username, u.Email, u.Role, nullInt(u.UID), u.HomeDir, u.Shell, millis(u.CreatedAt))
		return err == nil, err
	case err != nil:
		return false, q.fail("store.upsertUser", err)
	}
	u.ID = existing
	_, err = q.exec(ctx, "store.updateUser",
		`UPDATE users SET uid = ?, home_dir = ?, shell = ? WHERE id = ?`,
		nullInt(u.UID), u.HomeDir, u.Shell, existing)
	return false, err
}

// EnsureUser inserts u unless a user with the same username exists and
// reports whether a row was created. Existing rows are left untouched.
func (q *Queries) EnsureUser(ctx context.Context, u *job.User) (bool, error) {
	res, err := q.exec(ctx, "store.ensureUser",
		`INSERT INTO users (id, username, email, role, uid, home_dir, shell, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (username) DO NOTHING`,
		u.ID, u.Username, u.Email, u.Role, nullInt(u.UID), u.HomeDir, u.Shell, millis(u.CreatedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, q.fail("store.ensureUser", err)
	}
	return n == 1, nil
}

// ListUsers returns all users ordered by username.
func (q *Queries) ListUsers(ctx context.Context) ([]job.User, error) {
	rows, err := q.query(ctx, "store.listUsers",
		`SELECT id, username, email, role, uid, home_dir, shell, created_at FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []job.User
	for rows.Next() {
		var (
			u       job.User
			uid     sql.NullInt64
			created int64
		)
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.Role, &uid, &u.HomeDir, &u.Shell, &created); err != nil {
			return nil, q.fail("store.listUsers", err)
		}
		u.UID = intPtr(uid)
		u.CreatedAt = fromMillis(created)
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, q.fail("store.listUsers", err)
	}
	return out, nil
}
