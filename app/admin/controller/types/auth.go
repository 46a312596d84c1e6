package types

import (
	"errors"
	"strings"
)

// maxPasswordBytes is the bcrypt input limit; longer passwords cannot match.
const maxPasswordBytes = 72

var ErrIncompleteLogin = errors.New("username and password are required")

// LoginRequest is the body of POST /api/auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Normalize trims the username and rejects requests that can never
// authenticate, so they are answered without a bcrypt comparison.
func (r *LoginRequest) Normalize() error {
	r.Username = strings.TrimSpace(r.Username)
	if r.Username == "" || r.Password == "" || len(r.Password) > maxPasswordBytes {
		return ErrIncompleteLogin
	}
	return nil
}
