package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// An AuthFunc validates handshake credentials and resolves them to a
// user id. It is the external authentication collaborator: the gateway
// never interprets credentials itself. A non-nil error is fatal for
// the connection; it is closed without registering a session.
type AuthFunc func(ctx context.Context, r *http.Request) (string, error)

// HandshakeToken extracts the client credential from the upgrade
// request: a bearer Authorization header, or the "token" query
// parameter for browser clients that cannot set headers.
func HandshakeToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// Predefined handshake policies.

// DenyAll rejects every handshake. This is the default policy.
func DenyAll(ctx context.Context, r *http.Request) (string, error) {
	return "", fmt.Errorf("no authenticator configured")
}

// StaticTokenAuth authorizes handshakes against a fixed token-to-user
// table. Intended for development and tests.
func StaticTokenAuth(tokens map[string]string) AuthFunc {
	return func(ctx context.Context, r *http.Request) (string, error) {
		token := HandshakeToken(r)
		if token == "" {
			return "", fmt.Errorf("missing credentials")
		}
		userID, ok := tokens[token]
		if !ok {
			return "", fmt.Errorf("invalid credentials")
		}
		return userID, nil
	}
}
