package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/novahub/nova-hub/internal/catalog"
)

type contextKey int

const clientContextKey contextKey = iota

// ClientStore is the lookup the authenticator needs; satisfied by
// catalog.Store.
type ClientStore interface {
	GetClientByClientID(ctx context.Context, clientID string) (*catalog.Client, error)
	TouchClientLastSeen(ctx context.Context, clientDBID int64) error
}

// Authenticator verifies a Bearer JWT's signature and expiry, then
// resolves its "sub" claim to an active Client row. Nova Hub never
// issues tokens itself; a client arrives already authenticated by
// whatever issued the token.
type Authenticator struct {
	store  ClientStore
	secret []byte
	logger *zap.Logger
}

func NewAuthenticator(store ClientStore, secret string, logger *zap.Logger) *Authenticator {
	return &Authenticator{store: store, secret: []byte(secret), logger: logger}
}

// Require wraps next, rejecting requests without a valid Bearer token
// for an active client and otherwise attaching the resolved Client to
// the request context.
func (a *Authenticator) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client, err := a.authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "could not validate credentials")
			return
		}
		if !client.Active {
			writeError(w, http.StatusForbidden, "client is inactive")
			return
		}
		ctx := context.WithValue(r.Context(), clientContextKey, client)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) authenticate(r *http.Request) (*catalog.Client, error) {
	header := r.Header.Get("Authorization")
	tokenStr, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || tokenStr == "" {
		return nil, jwt.ErrTokenMalformed
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}

	client, err := a.store.GetClientByClientID(r.Context(), sub)
	if err != nil {
		return nil, err
	}

	if err := a.store.TouchClientLastSeen(r.Context(), client.ID); err != nil && a.logger != nil {
		a.logger.Warn("touch last seen failed", zap.String("client_id", sub), zap.Error(err))
	}
	return client, nil
}

// ClientFromContext returns the Client attached by Require.
func ClientFromContext(ctx context.Context) (*catalog.Client, bool) {
	c, ok := ctx.Value(clientContextKey).(*catalog.Client)
	return c, ok
}
