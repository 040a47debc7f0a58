package core

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"resolver/internal/types"
)

// Authenticator resolves a bearer token to an Actor.
type Authenticator interface {
	// ResolveToken returns ErrCodeAuthTokenInvalid for unknown tokens.
	ResolveToken(ctx context.Context, token string) (*types.Actor, error)
}

// APIKeyAuthenticator accepts a single shared key, the LEDGER_API_KEY handed
// to internal collaborators.
type APIKeyAuthenticator struct {
	key     types.SecretString
	actorID string
}

// NewAPIKeyAuthenticator returns an authenticator for key. Callers resolving
// successfully are identified as actorID.
func NewAPIKeyAuthenticator(key types.SecretString, actorID string) *APIKeyAuthenticator {
	return &APIKeyAuthenticator{key: key, actorID: actorID}
}

func (a *APIKeyAuthenticator) ResolveToken(_ context.Context, token string) (*types.Actor, error) {
	if a.key.IsZero() || subtle.ConstantTimeCompare([]byte(token), []byte(a.key.Unmask())) != 1 {
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid api key", nil)
	}
	return &types.Actor{ID: a.actorID, Type: types.ActorTypeCollaborator}, nil
}

// authPublicPaths are exempt from bearer authentication.
var authPublicPaths = map[string]bool{
	"/health": true,
}

// authPublicPrefixes are exempt from bearer authentication. Webhook handlers
// verify the platform's secret token header themselves.
var authPublicPrefixes = []string{
	"/webhooks/",
}

func isPublicPath(path string) bool {
	if authPublicPaths[path] {
		return true
	}
	for _, prefix := range authPublicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// AuthMiddleware extracts the bearer token, resolves it to an Actor and
// stores the Actor in the request context. Failures are 401 with
// auth_token_missing or auth_token_invalid.
//
// A nil Authenticator disables authentication.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Authenticator == nil || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Authorization header is required")
			return
		}

		token := extractBearerToken(authHeader)
		if token == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Bearer token is required")
			return
		}

		actor, err := s.Authenticator.ResolveToken(r.Context(), token)
		if err != nil {
			s.handleAuthError(w, r, err)
			return
		}
		if actor == nil {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication token")
			return
		}

		next.ServeHTTP(w, r.WithContext(types.WithActor(r.Context(), *actor)))
	})
}

// extractBearerToken returns the token from "Bearer <token>", comparing the
// scheme case-insensitively per RFC 7235. Returns "" for any other format.
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) {
		return ""
	}
	if !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

func (s *Server) handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *types.AppError
	if errors.As(err, &appErr) && appErr.Code == types.ErrCodeAuthTokenInvalid {
		s.Logger.WarnContext(r.Context(), "authentication failed: token invalid",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
		)
		s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication token")
		return
	}

	s.Logger.ErrorContext(r.Context(), "authentication failed: unexpected error",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Authentication failed")
}

func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, code types.ErrorCode, message string) {
	JSON(w, r, http.StatusUnauthorized, APIErrorResponse{
		Error: ErrorDetail{
			Code:      string(code),
			Message:   message,
			RequestID: types.GetRequestID(r.Context()),
		},
	})
}
