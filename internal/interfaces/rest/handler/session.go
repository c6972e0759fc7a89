package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/pot-code/progress-sync/internal/infrastructure/auth"
	"github.com/pot-code/progress-sync/internal/infrastructure/driver"
	"github.com/pot-code/progress-sync/internal/session"
)

// SessionHandler .
type SessionHandler struct {
	sessions *session.Manager
	jwtUtil  *auth.JWTUtil
	kv       driver.KeyValueDB
}

// NewSessionHandler kv holds the token blacklist
func NewSessionHandler(sessions *session.Manager, jwtUtil *auth.JWTUtil, kv driver.KeyValueDB) *SessionHandler {
	return &SessionHandler{sessions, jwtUtil, kv}
}

// HandleSignOut close the user's session and revoke the token
func (sh *SessionHandler) HandleSignOut(c echo.Context) error {
	ju := sh.jwtUtil
	claims := ju.GetContextToken(c)
	if err := sh.sessions.Close(claims.UID); err != nil && !errors.Is(err, session.ErrNoSession) {
		return err
	}

	tokenStr, err := ju.ExtractToken(c)
	if err != nil {
		return c.NoContent(http.StatusUnauthorized)
	}
	ju.ClearClientToken(c)
	if ttl := claims.TimeRemaining(); ttl > 0 {
		if err := sh.kv.SetEX(auth.BlacklistKey(tokenStr), "", ttl); err != nil {
			return err
		}
	}
	return c.NoContent(http.StatusOK)
}
