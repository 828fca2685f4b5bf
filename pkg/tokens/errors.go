package tokens

import "net/http"

// Error is a token verification failure. All kinds render as 401 invalid_token.
type Error struct {
	kind string
}

func (e *Error) Error() string {
	return "token is " + e.kind
}

func (e *Error) HTTPStatus() int {
	return http.StatusUnauthorized
}

func (e *Error) ErrorCode() string {
	return "invalid_token"
}

var (
	// ErrMalformedToken means the token could not be decoded.
	ErrMalformedToken = &Error{kind: "malformed"}
	// ErrExpiredToken means the signature is valid but the token expired.
	ErrExpiredToken = &Error{kind: "expired"}
	// ErrInvalidSignature covers every other verification failure.
	ErrInvalidSignature = &Error{kind: "not validly signed"}
	// ErrRevokedToken means the token was valid but has been revoked.
	ErrRevokedToken = &Error{kind: "revoked"}
)
