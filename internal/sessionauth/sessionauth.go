// Copyright 2026 The agentchattr Authors
// SPDX-License-Identifier: Apache-2.0

// Package sessionauth manages the hub's session token: a random string
// persisted to disk, checked against the X-Session-Token header, the
// token query parameter, and the WebSocket token query parameter, and
// overridable via ACCESS_TOKEN. A single opaque bearer secret is all a
// loopback-only, single-operator hub needs — there is no audience
// scoping or expiry to manage.
package sessionauth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/agentchattr/agentchattr/internal/apperr"
)

// tokenBytes is the amount of random entropy in a generated token,
// hex-encoded to twice this length.
const tokenBytes = 32

// HeaderName is the header carrying the token on authenticated requests.
const HeaderName = "X-Session-Token"

// QueryParam is the query-string parameter carrying the token,
// used by the browser UI and WebSocket upgrade requests alike.
const QueryParam = "token"

// AccessTokenEnv overrides the persisted token entirely when set.
const AccessTokenEnv = "ACCESS_TOKEN"

// publicPrefixes bypass auth entirely: static assets and uploaded
// images need to be fetchable by <img> tags, which cannot carry custom
// headers.
var publicPrefixes = []string{"/static/", "/uploads/"}

// Load returns the active token: ACCESS_TOKEN if set, else the token
// persisted at path, generating and persisting a fresh one if absent.
func Load(path string) (string, error) {
	if env := os.Getenv(AccessTokenEnv); env != "" {
		return env, nil
	}

	data, err := os.ReadFile(path)
	if err == nil {
		return strings.TrimSpace(string(data)), nil
	}
	if !os.IsNotExist(err) {
		return "", apperr.Wrap(apperr.Persistence, "read session token", err)
	}

	token, err := generate()
	if err != nil {
		return "", apperr.Wrap(apperr.Persistence, "generate session token", err)
	}
	if err := writeAtomic(path, token); err != nil {
		return "", err
	}
	return token, nil
}

func generate() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// writeAtomic persists token via write-to-temp-then-rename: readers
// never observe a partial write.
func writeAtomic(path, token string) error {
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return apperr.Wrap(apperr.Persistence, "create temporary session token file", err)
	}

	if _, err := f.WriteString(token + "\n"); err != nil {
		f.Close()
		os.Remove(tmp)
		return apperr.Wrap(apperr.Persistence, "write temporary session token file", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return apperr.Wrap(apperr.Persistence, "sync temporary session token file", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return apperr.Wrap(apperr.Persistence, "close temporary session token file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return apperr.Wrap(apperr.Persistence, "rename session token file into place", err)
	}
	return nil
}

// TokenFromRequest extracts the candidate token from an HTTP request:
// the header first, then the query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get(HeaderName); h != "" {
		return h
	}
	return r.URL.Query().Get(QueryParam)
}

// IsPublicPath reports whether path bypasses auth entirely.
func IsPublicPath(path string) bool {
	if path == "/" {
		return false // the index page itself requires a token to interpolate one in
	}
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Check reports whether candidate matches token using a constant-time
// comparison, so token verification does not leak timing information
// about where the mismatch occurs.
func Check(token, candidate string) bool {
	if len(token) != len(candidate) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(candidate)) == 1
}

// allowedOriginHosts are the hostnames a browser Origin header may name;
// any port on either is accepted.
var allowedOriginHosts = []string{"localhost", "127.0.0.1"}

// CheckOrigin reports whether origin (the raw Origin header value) is
// acceptable. A missing Origin header (non-browser clients carrying a
// valid token) is allowed — callers should only invoke CheckOrigin when
// the header is present.
func CheckOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, host := range allowedOriginHosts {
		if u.Hostname() == host {
			return true
		}
	}
	return false
}

// Middleware wraps next with session-token and Origin enforcement:
// mismatched token -> 403 JSON body; rejected Origin -> 403. Public
// paths bypass both checks.
func Middleware(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if IsPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if origin := r.Header.Get("Origin"); origin != "" && !CheckOrigin(origin) {
			forbidden(w, "forbidden: origin not allowed")
			return
		}

		if !Check(token, TokenFromRequest(r)) {
			forbidden(w, "forbidden: invalid session token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func forbidden(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	fmt.Fprintf(w, `{"error":%q}`, message)
}
