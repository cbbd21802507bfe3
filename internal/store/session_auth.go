package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/pavelanni/langexam/internal/model"
)

// AuthSessionTTL is how long a staff login stays valid.
const AuthSessionTTL = 12 * time.Hour

// tokenKey is the stored form of a bearer token.
func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// CreateAuthSession opens a staff session and returns its bearer token.
func (s *Store) CreateAuthSession(ctx context.Context, userID int64) (string, model.AuthSession, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", model.AuthSession{}, fmt.Errorf("generate token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(b)

	now := time.Now().UTC()
	sess := model.AuthSession{ID: tokenKey(token), UserID: userID, CreatedAt: now, ExpiresAt: now.Add(AuthSessionTTL)}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO auth_sessions (id, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.CreatedAt, sess.ExpiresAt,
	)
	if err != nil {
		return "", model.AuthSession{}, fmt.Errorf("insert auth session: %w", err)
	}
	return token, sess, nil
}

// AuthenticatedUser returns the active user holding an unexpired session for
// token, or nil.
func (s *Store) AuthenticatedUser(ctx context.Context, token string) (*model.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+`
		 FROM auth_sessions a JOIN users u ON u.id = a.user_id
		 WHERE a.id = ? AND a.expires_at > ? AND u.active = 1`,
		tokenKey(token), time.Now().UTC()))
}

// DeleteAuthSession ends the session for token.
func (s *Store) DeleteAuthSession(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM auth_sessions WHERE id = ?`, tokenKey(token))
	return err
}

// CleanupExpiredSessions removes expired sessions and reports how many went.
func (s *Store) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM auth_sessions WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
