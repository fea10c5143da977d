// Package auth verifies the signed session token carried on a connection
// handshake. Verification is stateless: signature and expiry only, no
// revocation checks, no side effects.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt"
	"golang.org/x/crypto/bcrypt"
)

const (
	TokenCookieName = "token"

	userIdClaim   = "user-id"
	usernameClaim = "username"
	expClaim      = "exp"
)

// ErrUnauthenticated is returned for a missing, malformed, expired or
// otherwise invalid credential. It is fatal to the connection.
var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is the immutable result of a successful authentication. It is
// produced once per connection and carried alongside the connection for its
// whole lifetime.
type Identity struct {
	UserId   int
	Username string
}

type SessionAuthenticator struct {
	signingKey []byte
}

func NewSessionAuthenticator(signingKey []byte) *SessionAuthenticator {
	return &SessionAuthenticator{signingKey: signingKey}
}

// CreateSession mints a signed token for the given identity.
func (a *SessionAuthenticator) CreateSession(identity Identity, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim:   identity.UserId,
		usernameClaim: identity.Username,
		expClaim:      time.Now().Add(exp).Unix(),
	})

	return token.SignedString(a.signingKey)
}

// Authenticate verifies a raw token string and returns the identity it
// carries.
func (a *SessionAuthenticator) Authenticate(tokenString string) (Identity, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.signingKey, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: parse token: %v", ErrUnauthenticated, err)
	}

	if !token.Valid {
		return Identity{}, fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, fmt.Errorf("%w: invalid token claims", ErrUnauthenticated)
	}

	userId, ok := claims[userIdClaim].(float64)
	if !ok {
		return Identity{}, fmt.Errorf("%w: invalid user id claim", ErrUnauthenticated)
	}

	username, ok := claims[usernameClaim].(string)
	if !ok {
		return Identity{}, fmt.Errorf("%w: invalid username claim", ErrUnauthenticated)
	}

	return Identity{UserId: int(userId), Username: username}, nil
}

// AuthenticateRequest verifies the session cookie on an HTTP request.
func (a *SessionAuthenticator) AuthenticateRequest(r *http.Request) (Identity, error) {
	cookie, err := r.Cookie(TokenCookieName)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: get cookie: %v", ErrUnauthenticated, err)
	}

	return a.Authenticate(cookie.Value)
}

// SessionCookie wraps a token string in the session cookie. An empty token
// with a negative expiry instructs the browser to delete the cookie.
func SessionCookie(tokenString string, exp time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     TokenCookieName,
		Value:    tokenString,
		Path:     "/",
		Expires:  time.Now().Add(exp),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
}

func HashPassword(passwd string) (string, error) {
	passwdHash, err := bcrypt.GenerateFromPassword([]byte(passwd), bcrypt.DefaultCost)
	return string(passwdHash), err
}

func VerifyPassword(passwdHash, passwd string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(passwdHash), []byte(passwd))
	return err == nil
}
