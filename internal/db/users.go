package db

import (
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// User is an admin account for the management API and web frontend.
type User struct {
	Username string
	Hash     string
	Handle   string
	Created  time.Time
}

// Token authenticates API requests on behalf of a user. Tokens are deleted
// when the owning user is deleted (FK cascade).
type Token struct {
	Code    string
	User    string
	Created time.Time
}

// bcryptCost trades hashing time against brute-force resistance. The cost
// is stored inside the hash, so changing it only affects new passwords.
const bcryptCost = 12

// GetUser returns a user row by username.
func (s *Store) GetUser(username string) (User, error) {
	var (
		user    User
		handle  sql.NullString
		created int64
	)
	err := s.db.QueryRow(
		`SELECT username, hash, handle, created FROM users WHERE username = `+s.ph(),
		username).Scan(&user.Username, &user.Hash, &handle, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return user, ErrNotFound
		}
		return user, err
	}
	user.Handle = handle.String
	user.Created = time.Unix(created, 0).UTC()
	return user, nil
}

// GetUsers returns all users.
func (s *Store) GetUsers() ([]User, error) {
	rows, err := s.query(`SELECT username, hash, handle, created FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []User
	for rows.Next() {
		var (
			user    User
			handle  sql.NullString
			created int64
		)
		if err := rows.Scan(&user.Username, &user.Hash, &handle, &created); err != nil {
			return nil, err
		}
		user.Handle = handle.String
		user.Created = time.Unix(created, 0).UTC()
		result = append(result, user)
	}
	return result, rows.Err()
}

// PutUser creates or updates a user, hashing the password with bcrypt.
// An empty password on update keeps the existing hash.
func (s *Store) PutUser(username, password, handle string) (User, error) {
	hash := ""
	if password != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
		if err != nil {
			return User{}, fmt.Errorf("hash password: %w", err)
		}
		hash = string(h)
	}

	existing, err := s.GetUser(username)
	switch {
	case err == nil:
		if hash == "" {
			hash = existing.Hash
		}
		query := s.q(
			`UPDATE users SET hash = ?, handle = ? WHERE username = ?`,
			`UPDATE users SET hash = $1, handle = $2 WHERE username = $3`,
		)
		if _, err := s.exec(query, hash, nullable(handle), username); err != nil {
			return User{}, err
		}
	case errors.Is(err, ErrNotFound):
		if hash == "" {
			return User{}, fmt.Errorf("cannot create user %q without a password", username)
		}
		query := s.q(
			`INSERT INTO users (username, hash, handle, created) VALUES (?, ?, ?, ?)`,
			`INSERT INTO users (username, hash, handle, created) VALUES ($1, $2, $3, $4)`,
		)
		if _, err := s.exec(query, username, hash, nullable(handle), epoch(time.Time{})); err != nil {
			return User{}, conflict(err)
		}
	default:
		return User{}, err
	}

	return s.GetUser(username)
}

// VerifyUser checks a username/password pair against the stored hash.
func (s *Store) VerifyUser(username, password string) (User, error) {
	user, err := s.GetUser(username)
	if err != nil {
		return User{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Hash), []byte(password)); err != nil {
		return User{}, fmt.Errorf("invalid password for %q: %w", username, err)
	}
	return user, nil
}

// DelUser removes a user; the FK cascade removes their tokens.
func (s *Store) DelUser(username string) error {
	res, err := s.exec(`DELETE FROM users WHERE username = `+s.ph(), username)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ─── Tokens ───────────────────────────────────────────────────────────────────

// PutToken mints a new API token for a user. The code is 32 random bytes,
// URL-safe base64 encoded.
func (s *Store) PutToken(username string) (Token, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return Token{}, fmt.Errorf("generate token: %w", err)
	}
	code := base64.RawURLEncoding.EncodeToString(raw)

	query := s.q(
		`INSERT INTO tokens (code, "user", created) VALUES (?, ?, ?)`,
		`INSERT INTO tokens (code, "user", created) VALUES ($1, $2, $3)`,
	)
	now := time.Now()
	if _, err := s.exec(query, code, username, epoch(now)); err != nil {
		return Token{}, conflict(err)
	}
	return Token{Code: code, User: username, Created: now.UTC()}, nil
}

// GetToken resolves a token code to its row.
func (s *Store) GetToken(code string) (Token, error) {
	var (
		token   Token
		created int64
	)
	err := s.db.QueryRow(
		`SELECT code, "user", created FROM tokens WHERE code = `+s.ph(),
		code).Scan(&token.Code, &token.User, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return token, ErrNotFound
		}
		return token, err
	}
	token.Created = time.Unix(created, 0).UTC()
	return token, nil
}

// GetUserTokens lists a user's token codes.
func (s *Store) GetUserTokens(username string) ([]string, error) {
	rows, err := s.query(`SELECT code FROM tokens WHERE "user" = `+s.ph(), username)
	if err != nil {
		return nil, err
	}
	return scanStringRows(rows)
}

// DelToken revokes a token.
func (s *Store) DelToken(code string) error {
	res, err := s.exec(`DELETE FROM tokens WHERE code = `+s.ph(), code)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
