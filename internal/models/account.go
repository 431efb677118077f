package models

import "regexp"

// Account is one issued identity on the upstream platform.
type Account struct {
	Identity           string `db:"identity"`
	AuthorizationToken string `db:"authorization_token"` // passed through to upstream
	SessionToken       string `db:"session_token"`
	UserToken          string `db:"user_token"`
	KeyHash            string `db:"key_hash"` // argon2id PHC string
	KeySalt            string `db:"key_salt"`
}

var idPattern = regexp.MustCompile(`^[0-9a-f]{24}$`)

// IsValidID reports whether s has the upstream id shape: 24 lowercase hex
// characters.
func IsValidID(s string) bool {
	return idPattern.MatchString(s)
}
