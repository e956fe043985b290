package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenCookieKey = "token"
	tokenQueryKey  = "token"
	tokenIssuer    = "rostra"
)

var ErrMissingToken = errors.New("missing token")

type contextKey string

const userIdKey contextKey = "user-id"

func WithUserId(ctx context.Context, userId int64) context.Context {
	return context.WithValue(ctx, userIdKey, userId)
}

func UserId(ctx context.Context) (int64, bool) {
	userId, ok := ctx.Value(userIdKey).(int64)

	return userId, ok
}

// TokenVerifier resolves a bearer token to the user id it was issued for.
type TokenVerifier interface {
	Verify(token string) (int64, error)
}

// JWTVerifier checks HS256 tokens whose subject is the user id.
type JWTVerifier struct {
	key []byte
}

func NewJWTVerifier(key []byte) *JWTVerifier {
	return &JWTVerifier{key: key}
}

// Issue signs a token for userId that expires after ttl.
func (v *JWTVerifier) Issue(userId int64, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userId, 10),
		Issuer:    tokenIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})

	return token.SignedString(v.key)
}

func (v *JWTVerifier) Verify(tokenString string) (int64, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		return v.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return 0, fmt.Errorf("parse token: %w", err)
	}

	userId, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userId <= 0 {
		return 0, fmt.Errorf("invalid subject %q", claims.Subject)
	}

	return userId, nil
}

// tokenFromRequest reads the token from the Authorization header, then the
// token query parameter (browsers cannot set headers on a websocket
// upgrade), then the token cookie.
func tokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
			return "", ErrMissingToken
		}
		return token, nil
	}

	if token := r.URL.Query().Get(tokenQueryKey); token != "" {
		return token, nil
	}

	if c, err := r.Cookie(tokenCookieKey); err == nil && c.Value != "" {
		return c.Value, nil
	}

	return "", ErrMissingToken
}
