package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Operator roles carried in bearer tokens.
const (
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

type ctxKey int

const ctxOperator ctxKey = iota

// Claims identify the operator behind a request. Tokens are issued by the
// login subsystem and signed with the shared HS256 secret.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Operator is the authenticated caller.
type Operator struct {
	ID   string
	Role string
}

// AuthOptions configures bearer-token checks. When Enabled is false every
// request runs as a local admin.
type AuthOptions struct {
	Enabled bool
	Secret  []byte
	Issuer  string
}

// IssueToken signs a token for subject with role, valid for ttl.
func IssueToken(opts AuthOptions, subject, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    opts.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(opts.Secret)
}

func parseToken(opts AuthOptions, raw string) (*Claims, error) {
	parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}

	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(*jwt.Token) (any, error) {
		return opts.Secret, nil
	}, parserOpts...)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	switch claims.Role {
	case RoleOperator, RoleAdmin:
	default:
		return nil, fmt.Errorf("unknown role %q", claims.Role)
	}
	return claims, nil
}

// Authenticate returns middleware that resolves the calling operator.
func Authenticate(opts AuthOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !opts.Enabled {
				ctx := context.WithValue(r.Context(), ctxOperator, Operator{ID: "local", Role: RoleAdmin})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			header := r.Header.Get("Authorization")
			if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
				writeMessage(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}
			claims, err := parseToken(opts, strings.TrimSpace(header[7:]))
			if err != nil {
				writeMessage(w, http.StatusUnauthorized, "unauthorized", "invalid token")
				return
			}

			op := Operator{ID: claims.Subject, Role: claims.Role}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxOperator, op)))
		})
	}
}

// RequireRole rejects operators whose role is not in allowed.
func RequireRole(allowed ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			op, ok := OperatorFrom(r.Context())
			if !ok {
				writeMessage(w, http.StatusUnauthorized, "unauthorized", "missing operator")
				return
			}
			for _, role := range allowed {
				if op.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeMessage(w, http.StatusForbidden, "forbidden", "insufficient permissions")
		})
	}
}

func OperatorFrom(ctx context.Context) (Operator, bool) {
	op, ok := ctx.Value(ctxOperator).(Operator)
	return op, ok
}
