// Package identity decides which role a client context plays and which
// terminal it is, and tracks terminals still waiting to be paired.
package identity

import (
	"fmt"
	"math/rand/v2"
	"net/url"
	"regexp"
	"strings"
)

// Role is the part a context plays.
type Role string

const (
	RoleAdmin  Role = "admin"
	RolePlayer Role = "player"
)

// Query parameter names.
const (
	ParamView = "view"
	ParamCode = "code"
)

// CodePrefix starts every generated pairing code.
const CodePrefix = "VF-"

var codeRe = regexp.MustCompile(`^VF-\d{4}$`)

// Identity is the resolved role and terminal code for one context.
type Identity struct {
	Role        Role   `json:"role"`
	PairingCode string `json:"pairingCode"`
	// Generated is set when no code was supplied and a fresh one was made.
	// A generated code is not persisted anywhere until an operator pairs it.
	Generated bool `json:"generated"`
}

// Resolve derives an Identity from URL query parameters.
func Resolve(q url.Values) Identity {
	id := Identity{Role: RoleAdmin}
	if strings.EqualFold(q.Get(ParamView), string(RolePlayer)) {
		id.Role = RolePlayer
	}
	id.PairingCode = strings.TrimSpace(q.Get(ParamCode))
	if id.PairingCode == "" {
		id.PairingCode = GenerateCode()
		id.Generated = true
	}
	return id
}

// GenerateCode returns "VF-" followed by four digits in 1000..9999.
// Collisions are not checked.
func GenerateCode() string {
	return fmt.Sprintf("%s%d", CodePrefix, 1000+rand.IntN(9000))
}

// ValidCode reports whether code has the generated VF-#### shape.
func ValidCode(code string) bool {
	return codeRe.MatchString(code)
}

// PlayerURL returns base with view=player and code set, keeping any other
// query parameters.
func PlayerURL(base *url.URL, code string) string {
	u := *base
	q := u.Query()
	q.Set(ParamView, string(RolePlayer))
	q.Set(ParamCode, code)
	u.RawQuery = q.Encode()
	return u.String()
}
