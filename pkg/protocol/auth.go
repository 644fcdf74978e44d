package protocol

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/syntor/agentmesh/pkg/logging"
)

var ErrUnauthorized = errors.New("unauthorized")

// TokenValidator checks a bearer token and returns the caller identity.
type TokenValidator interface {
	Validate(token string) (subject string, err error)
}

// StaticTokenValidator accepts a fixed set of shared tokens.
type StaticTokenValidator struct {
	tokens [][]byte
}

// NewStaticTokenValidator creates a validator for the given tokens. Empty entries are ignored.
func NewStaticTokenValidator(tokens ...string) *StaticTokenValidator {
	v := &StaticTokenValidator{}
	for _, t := range tokens {
		if t != "" {
			v.tokens = append(v.tokens, []byte(t))
		}
	}
	return v
}

func (v *StaticTokenValidator) Validate(token string) (string, error) {
	for _, t := range v.tokens {
		if subtle.ConstantTimeCompare(t, []byte(token)) == 1 {
			return "static", nil
		}
	}
	return "", ErrUnauthorized
}

// JWTValidator accepts HMAC-signed JWTs.
type JWTValidator struct {
	secret []byte
	issuer string
}

// NewJWTValidator creates a validator for tokens signed with secret. A non-empty issuer must match.
func NewJWTValidator(secret []byte, issuer string) *JWTValidator {
	return &JWTValidator{secret: secret, issuer: issuer}
}

func (v *JWTValidator) Validate(tokenStr string) (string, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return claims.Subject, nil
}

// Validators accepts a token when any member does.
type Validators []TokenValidator

func (vs Validators) Validate(token string) (string, error) {
	for _, v := range vs {
		if subject, err := v.Validate(token); err == nil {
			return subject, nil
		}
	}
	return "", ErrUnauthorized
}

// IssueToken signs an HS256 token for subject, valid for ttl.
func IssueToken(secret []byte, issuer, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

type subjectKey struct{}

// CallerFromContext returns the authenticated subject of the request.
func CallerFromContext(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey{}).(string)
	return s
}

// BearerAuth rejects requests without a valid bearer token before any body is read.
func BearerAuth(v TokenValidator, logger logging.Logger) func(http.Handler) http.Handler {
	logger = logging.OrNop(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			subject, err := v.Validate(strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")))
			if err != nil {
				logger.Warn("auth failure", logging.String("path", r.URL.Path), logging.Err(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), subjectKey{}, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
