// Package auth defines the authentication-provider contract the
// connection manager depends on, plus two small implementations.
//
// A missing user or token means "not ready", never a fatal error: the
// manager aborts the connection attempt and waits for the owner to call
// Connect again once authentication is resolved.
package auth

import (
	"os"
	"strings"
)

// Provider yields the current user identity and a short-lived bearer
// token. Either may be absent; both are re-read on every connection
// attempt because a token refresh requires a full reconnect.
type Provider interface {
	CurrentUser() (string, bool)
	CurrentToken() (string, bool)
}

// Static serves fixed credentials, mainly for tests and development.
type Static struct {
	UserID string
	Token  string
}

func (s *Static) CurrentUser() (string, bool)  { return s.UserID, s.UserID != "" }
func (s *Static) CurrentToken() (string, bool) { return s.Token, s.Token != "" }

// TokenFile re-reads a token from disk on every attempt, so an external
// refresher can rotate the file without restarting the client.
type TokenFile struct {
	UserID string
	Path   string
}

func (t *TokenFile) CurrentUser() (string, bool) { return t.UserID, t.UserID != "" }

func (t *TokenFile) CurrentToken() (string, bool) {
	data, err := os.ReadFile(t.Path)
	if err != nil {
		return "", false
	}
	token := strings.TrimSpace(string(data))
	return token, token != ""
}
