// Package auth checks the HTTP Basic credentials that protect a node's
// replication endpoints.
package auth

import (
	"crypto/subtle"
	"net/http"
)

// Realm is advertised in the WWW-Authenticate challenge.
const Realm = "Propagator"

// Credentials is a Basic-auth key/secret pair.
type Credentials struct {
	Key    string
	Secret string
}

// Configured reports whether both halves are set.
func (c Credentials) Configured() bool {
	return c.Key != "" && c.Secret != ""
}

// Verify reports whether r carries matching Basic credentials. Unconfigured
// credentials never match.
func (c Credentials) Verify(r *http.Request) bool {
	if !c.Configured() {
		return false
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	keyOK := subtle.ConstantTimeCompare([]byte(user), []byte(c.Key)) == 1
	secretOK := subtle.ConstantTimeCompare([]byte(pass), []byte(c.Secret)) == 1
	return keyOK && secretOK
}

// Apply sets the Basic authorization header on an outbound request.
func (c Credentials) Apply(h http.Header) {
	req := http.Request{Header: h}
	req.SetBasicAuth(c.Key, c.Secret)
}

// Challenge writes the WWW-Authenticate header for a 401 response.
func Challenge(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="`+Realm+`"`)
}
