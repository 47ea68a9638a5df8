package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AuthConfig controls request authentication. With an empty JWTSecret the
// server runs open, which is the normal mode for a single-user workspace;
// shared deployments set a secret and mint worker tokens.
type AuthConfig struct {
	JWTSecret           string
	AllowWorkerIDHeader bool
	Logger              *log.Logger
}

// Principal identifies the calling worker.
type Principal struct {
	WorkerID string
	Source   string
}

type principalKey struct{}

func (c AuthConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func workerIDFromContext(ctx context.Context) string {
	if p, ok := principalFromContext(ctx); ok && p.WorkerID != "" {
		return p.WorkerID
	}
	return "anonymous"
}

func authenticateJWT(token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwt.RegisteredClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{WorkerID: claims.Subject, Source: "jwt"}, nil
}

// MintWorkerToken issues an HS256 token for a worker id. Used by the CLI's
// serve tooling and by tests.
func MintWorkerToken(workerID, secret string) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: workerID})
	return tok.SignedString([]byte(secret))
}

func newAuthMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") && cfg.JWTSecret != "" {
				p, err := authenticateJWT(strings.TrimPrefix(auth, "Bearer "), cfg.JWTSecret)
				if err != nil {
					cfg.logger().Printf("auth: rejected bearer token: %v", err)
					http.Error(w, `{"error":{"code":"unauthorized","message":"invalid token"}}`, http.StatusUnauthorized)
					return
				}
				ctx = withPrincipal(ctx, p)
			} else if id := r.Header.Get("X-Worker-ID"); id != "" && cfg.AllowWorkerIDHeader {
				ctx = withPrincipal(ctx, Principal{WorkerID: id, Source: "header"})
			} else if cfg.JWTSecret != "" {
				http.Error(w, `{"error":{"code":"unauthorized","message":"authentication required"}}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
