package controllers

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"aidanwoods.dev/go-paseto"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/peercall-project/backend/internal/cctx"
	"github.com/peercall-project/backend/internal/router"
)

var _ router.Controller = (*SessionController)(nil)

const (
	sessionCookieName = "call_session"
	sessionIssuer     = "peercall"
	sessionLifetime   = 2 * time.Hour
)

// SessionController hands out anonymous participant identities. A client
// without an account calls POST /v1/session once and uses the returned ID
// as its userId; the signed cookie lets the other endpoints fall back to
// the same identity when a request body omits it.
type SessionController struct {
	SessionSecret string

	sessionKey  paseto.V4AsymmetricSecretKey
	tokenParser paseto.Parser
}

func (c *SessionController) Register(router *mux.Router) {
	var err error
	if c.sessionKey, err = loadPasetoPrivateKey(c.SessionSecret); err != nil {
		zap.L().Error("failed to decode session private key, using random key", zap.Error(err))
		c.sessionKey = paseto.NewV4AsymmetricSecretKey()
	}

	c.tokenParser = paseto.MakeParser([]paseto.Rule{
		paseto.IssuedBy(sessionIssuer),
		paseto.NotExpired(),
	})

	router.HandleFunc("/v1/session", c.handleCreate).Methods(http.MethodPost)
	router.HandleFunc("/v1/session", c.handleGet).Methods(http.MethodGet)
}

// Middleware resolves the session cookie into a participant ID on the
// request context, so handlers can use it when the body omits userId.
func (c *SessionController) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if uid := c.userFromCookie(r); uid != "" {
			r = r.WithContext(cctx.WithValues(r.Context(), cctx.SessionID, uid))
		}
		next.ServeHTTP(w, r)
	})
}

type sessionResponse struct {
	Success bool   `json:"success"`
	UserID  string `json:"userId"`
}

func (c *SessionController) handleCreate(w http.ResponseWriter, r *http.Request) {
	uid := c.userFromCookie(r)
	if uid == "" {
		uid = strings.ReplaceAll(uuid.New().String(), "-", "")
	}

	cookie, err := c.mintCookie(uid)
	if err != nil {
		zap.L().Error("failed to mint session cookie", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not create session")
		return
	}

	http.SetCookie(w, cookie)
	writeJSON(w, http.StatusOK, sessionResponse{
		Success: true,
		UserID:  uid,
	})
}

func (c *SessionController) handleGet(w http.ResponseWriter, r *http.Request) {
	uid := c.userFromCookie(r)
	if uid == "" {
		writeError(w, http.StatusUnauthorized, "no active session")
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{
		Success: true,
		UserID:  uid,
	})
}

func (c *SessionController) userFromCookie(r *http.Request) (uid string) {
	cookie, err := r.Cookie(sessionCookieName)
	if errors.Is(err, http.ErrNoCookie) {
		return
	} else if err != nil {
		return
	}

	token, err := c.tokenParser.ParseV4Public(c.sessionKey.Public(), cookie.Value, nil)
	if err != nil {
		zap.L().Debug("invalid session token", zap.Error(err))
		return
	}

	if uid, err = token.GetSubject(); err != nil {
		zap.L().Debug("failed to get subject from session token", zap.Error(err))
		uid = ""
	}
	return
}

func (c *SessionController) mintCookie(uid string) (cookie *http.Cookie, err error) {
	now := time.Now()
	expiresAt := now.Add(sessionLifetime)

	token := newToken()
	token.SetIssuer(sessionIssuer)
	token.SetExpiration(expiresAt)
	token.SetIssuedAt(now)
	token.SetNotBefore(now)
	token.SetSubject(uid)
	token.SetAudience("participant")

	cookie = &http.Cookie{
		Name:     sessionCookieName,
		Value:    token.V4Sign(c.sessionKey, nil),
		Path:     "/",
		Expires:  expiresAt.Add(24 * time.Hour), // XXX: Add 24 hours to work around time zones, because cookies suck. Best effort
		MaxAge:   int(sessionLifetime / time.Second),
		SameSite: http.SameSiteNoneMode,
		HttpOnly: true,
		Secure:   true,
	}

	err = cookie.Valid()
	return
}

func loadPasetoPrivateKey(sessionSecret string) (key paseto.V4AsymmetricSecretKey, err error) {
	var decoded []byte
	if decoded, err = base64.StdEncoding.DecodeString(sessionSecret); err != nil {
		return
	}

	return paseto.NewV4AsymmetricSecretKeyFromBytes(decoded)
}

// XXX: paseto library is silly
func newToken() *paseto.Token {
	t := paseto.NewToken()
	return &t
}
