package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const apiKeyHeader = "x-api-key"

type authKeys struct {
	plain  []byte
	bcrypt []byte
}

func newAuthKeys(plain, hash string) *authKeys {
	k := &authKeys{}
	if p := strings.TrimSpace(plain); p != "" {
		k.plain = []byte(p)
	}
	if h := strings.TrimSpace(hash); h != "" {
		k.bcrypt = []byte(h)
	}
	return k
}

func (k *authKeys) enabled() bool { return len(k.plain) > 0 || len(k.bcrypt) > 0 }

// allow reports whether got matches a configured key. With no key
// configured every request passes.
func (k *authKeys) allow(got string) bool {
	if !k.enabled() {
		return true
	}
	if got == "" {
		return false
	}
	if len(k.plain) > 0 && subtle.ConstantTimeCompare([]byte(got), k.plain) == 1 {
		return true
	}
	if len(k.bcrypt) > 0 && bcrypt.CompareHashAndPassword(k.bcrypt, []byte(got)) == nil {
		return true
	}
	return false
}

func (s *Server) withAuth(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.Load().allow(r.Header.Get(apiKeyHeader)) {
			s.log.Debug("request rejected: bad api key", reqFields(r)...)
			writeJSON(w, http.StatusForbidden, envelope{Success: false, Error: "Forbidden: Invalid API Key"})
			return
		}
		h.ServeHTTP(w, r)
	})
}
