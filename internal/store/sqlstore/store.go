package sqlstore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"cipherchat/internal/db"
	"cipherchat/internal/protocol"
	"cipherchat/internal/store"
)

const searchLimit = 10

type SQLStore struct {
	db *db.Database
}

var _ store.Store = (*SQLStore)(nil)

func New(database *db.Database) *SQLStore {
	return &SQLStore{db: database}
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.Conn.ExecContext(ctx, s.db.Rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.Conn.QueryContext(ctx, s.db.Rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.Conn.QueryRowContext(ctx, s.db.Rebind(query), args...)
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrap(store.ErrNotFound, what)
	}
	return errors.Wrap(err, what)
}

// ---------------------------------------------
// 👤 Users
// ---------------------------------------------

const userColumns = "id, display_name, email, photo_url, public_key, status, last_seen"

func scanUser(row interface{ Scan(...any) error }) (*store.User, error) {
	var (
		u        store.User
		status   string
		lastSeen sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.DisplayName, &u.Email, &u.PhotoURL, &u.PublicKey, &status, &lastSeen); err != nil {
		return nil, err
	}
	u.Status = protocol.Status(status)
	if lastSeen.Valid {
		t := lastSeen.Time.UTC()
		u.LastSeen = &t
	}
	return &u, nil
}

// UpsertUser creates the user on first sight. Existing profiles keep their
// display name and photo; email always follows the identity provider.
func (s *SQLStore) UpsertUser(ctx context.Context, u *store.User) error {
	_, err := s.exec(ctx, `
		INSERT INTO users (id, display_name, email, photo_url) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			email = excluded.email,
			display_name = CASE WHEN users.display_name = '' THEN excluded.display_name ELSE users.display_name END,
			photo_url = CASE WHEN users.photo_url = '' THEN excluded.photo_url ELSE users.photo_url END
	`, u.ID, u.DisplayName, u.Email, u.PhotoURL)
	return errors.Wrapf(err, "upsert user %s", u.ID)
}

func (s *SQLStore) GetUser(ctx context.Context, id string) (*store.User, error) {
	u, err := scanUser(s.queryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id))
	if err != nil {
		return nil, notFound(err, "get user "+id)
	}
	return u, nil
}

func (s *SQLStore) UpdateProfile(ctx context.Context, id, displayName, photoURL string) error {
	res, err := s.exec(ctx, "UPDATE users SET display_name = ?, photo_url = ? WHERE id = ?", displayName, photoURL, id)
	return affectedOne(res, err, "update profile "+id)
}

func (s *SQLStore) SetPublicKey(ctx context.Context, id, publicKey string) error {
	res, err := s.exec(ctx, "UPDATE users SET public_key = ? WHERE id = ?", publicKey, id)
	return affectedOne(res, err, "set public key "+id)
}

func affectedOne(res sql.Result, err error, what string) error {
	if err != nil {
		return errors.Wrap(err, what)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, what)
	}
	if n == 0 {
		return errors.Wrap(store.ErrNotFound, what)
	}
	return nil
}

// SearchUsers does a case-insensitive prefix match on display name or email.
func (s *SQLStore) SearchUsers(ctx context.Context, prefix string) ([]store.User, error) {
	pattern := escapeLike(strings.ToLower(prefix)) + "%"
	rows, err := s.query(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE LOWER(display_name) LIKE ? ESCAPE '\' OR LOWER(email) LIKE ? ESCAPE '\'
		ORDER BY display_name
		LIMIT ?
	`, pattern, pattern, searchLimit)
	if err != nil {
		return nil, errors.Wrap(err, "search users")
	}
	return collectUsers(rows)
}

func collectUsers(rows *sql.Rows) ([]store.User, error) {
	defer rows.Close()

	users := []store.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan user")
		}
		users = append(users, *u)
	}
	return users, errors.Wrap(rows.Err(), "iterate users")
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (s *SQLStore) RecordStatus(ctx context.Context, id string, status protocol.Status, lastSeen *time.Time) error {
	var seen sql.NullTime
	if lastSeen != nil {
		seen = sql.NullTime{Time: lastSeen.UTC(), Valid: true}
	}
	var err error
	if seen.Valid {
		_, err = s.exec(ctx, "UPDATE users SET status = ?, last_seen = ? WHERE id = ?", string(status), seen, id)
	} else {
		// Going online keeps the previous last_seen.
		_, err = s.exec(ctx, "UPDATE users SET status = ? WHERE id = ?", string(status), id)
	}
	return errors.Wrapf(err, "record status %s", id)
}

func (s *SQLStore) Status(ctx context.Context, id string) (protocol.StatusUpdate, error) {
	u, err := s.GetUser(ctx, id)
	if err != nil {
		return protocol.StatusUpdate{}, err
	}
	return protocol.StatusUpdate{UID: u.ID, Status: u.Status, LastSeen: u.LastSeen}, nil
}

// ---------------------------------------------
// 📇 Contacts
// ---------------------------------------------

func (s *SQLStore) AddContact(ctx context.Context, userID, contactID string) error {
	_, err := s.exec(ctx, `
		INSERT INTO contacts (user_id, contact_id) VALUES (?, ?)
		ON CONFLICT (user_id, contact_id) DO NOTHING
	`, userID, contactID)
	return errors.Wrapf(err, "add contact %s -> %s", userID, contactID)
}

func (s *SQLStore) ListContacts(ctx context.Context, userID string) ([]store.User, error) {
	rows, err := s.query(ctx, `
		SELECT u.id, u.display_name, u.email, u.photo_url, u.public_key, u.status, u.last_seen
		FROM users u
		JOIN contacts c ON c.contact_id = u.id
		WHERE c.user_id = ?
		ORDER BY u.display_name
	`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "list contacts")
	}
	return collectUsers(rows)
}
