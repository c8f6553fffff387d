package store

import "database/sql"

// UpsertUser inserts or updates a cached user identity.
func (db *DB) UpsertUser(u *User) error {
	_, err := db.Exec(`
		INSERT INTO users (id, username, email, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			email = excluded.email,
			updated_at = excluded.updated_at`,
		u.ID, u.Username, u.Email, u.CreatedAt, u.UpdatedAt)
	return err
}

// UserByID returns a cached user, or nil if absent.
func (db *DB) UserByID(id string) (*User, error) {
	var u User
	err := db.QueryRow(`SELECT id, username, email, created_at, updated_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Username, &u.Email, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
