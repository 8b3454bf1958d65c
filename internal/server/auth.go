package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"faultline/internal/apierr"
	"faultline/internal/auth"
	"faultline/internal/registry"
	"faultline/internal/store"
)

type ctxKey int

const (
	ctxProject ctxKey = iota
	ctxUser
	ctxRole
)

func withProject(ctx context.Context, p *store.Project) context.Context {
	return context.WithValue(ctx, ctxProject, p)
}

func projectFrom(ctx context.Context) *store.Project {
	p, _ := ctx.Value(ctxProject).(*store.Project)
	return p
}

func withUser(ctx context.Context, u *store.User) context.Context {
	return context.WithValue(ctx, ctxUser, u)
}

func userFrom(ctx context.Context) *store.User {
	u, _ := ctx.Value(ctxUser).(*store.User)
	return u
}

func withRole(ctx context.Context, role store.Role) context.Context {
	return context.WithValue(ctx, ctxRole, role)
}

func roleFrom(ctx context.Context) store.Role {
	role, _ := ctx.Value(ctxRole).(store.Role)
	return role
}

// keyAuth resolves the X-Api-Key header into the calling project. Failures
// log the key preview only; the full credential never reaches the log.
func (s *Server) keyAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Api-Key")
		if key == "" {
			apierr.Write(w, apierr.Unauthorized("missing X-Api-Key header"))
			return
		}

		p, err := s.registry.ProjectByKey(r.Context(), key)
		switch {
		case errors.Is(err, registry.ErrUnknownKey):
			s.logger.Warn("ingest auth failed", "key_preview", auth.KeyPreview(key))
			apierr.Write(w, apierr.Unauthorized("unknown api key"))
			return
		case errors.Is(err, registry.ErrProjectDisabled):
			apierr.Write(w, apierr.Forbidden("project is disabled"))
			return
		case err != nil:
			// The key cannot be verified without the store. The ingest
			// contract is accept-and-drop during store outages, so answer
			// 202 rather than surfacing a 5xx to every client at once.
			s.logger.Warn("ingest auth degraded, store unavailable", "error", err)
			s.metrics.EventIngested("degraded")
			writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
			return
		}

		next.ServeHTTP(w, r.WithContext(withProject(r.Context(), p)))
	})
}

// bearerAuth verifies the dashboard bearer token and loads its user. The
// project scope and role come later, from projectScope.
func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			apierr.Write(w, apierr.Unauthorized("missing bearer token"))
			return
		}

		claims, err := s.tokens.Verify(raw)
		if err != nil {
			apierr.Write(w, apierr.Unauthorized("invalid token"))
			return
		}
		userID, err := claims.UserID()
		if err != nil {
			apierr.Write(w, apierr.Unauthorized("invalid token"))
			return
		}

		user, err := s.store.GetUser(r.Context(), userID)
		if errors.Is(err, store.ErrNotFound) {
			apierr.Write(w, apierr.Unauthorized("unknown user"))
			return
		}
		if err != nil {
			apierr.Write(w, storeErr(err))
			return
		}

		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), user)))
	})
}

// projectScope resolves X-Project-Id against the user's memberships. A
// non-member gets 404, the same answer as a project that does not exist.
func (s *Server) projectScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("X-Project-Id")
		if raw == "" {
			apierr.Write(w, apierr.BadRequest("missing X-Project-Id header"))
			return
		}
		projectID, err := uuid.Parse(raw)
		if err != nil {
			apierr.Write(w, apierr.BadRequest("malformed X-Project-Id header"))
			return
		}

		role := userFrom(r.Context()).RoleFor(projectID)
		if role == "" {
			apierr.Write(w, apierr.NotFound("project not found"))
			return
		}

		p, err := s.store.GetProject(r.Context(), projectID)
		if err != nil {
			apierr.Write(w, storeErr(err))
			return
		}

		ctx := withProject(r.Context(), p)
		ctx = withRole(ctx, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole gates a route on the caller's role in the scoped project.
func requireRole(min store.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !roleFrom(r.Context()).AtLeast(min) {
				apierr.Write(w, apierr.Forbidden("requires "+string(min)+" role"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// projectRole resolves a path-addressed project against the caller's
// memberships, for the lifecycle endpoints that do not use X-Project-Id.
func (s *Server) projectRole(ctx context.Context, id uuid.UUID) (*store.Project, store.Role, error) {
	role := userFrom(ctx).RoleFor(id)
	if role == "" {
		return nil, "", apierr.NotFound("project not found")
	}
	p, err := s.store.GetProject(ctx, id)
	if err != nil {
		return nil, "", storeErr(err)
	}
	return p, role, nil
}
