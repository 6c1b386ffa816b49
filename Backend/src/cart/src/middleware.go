package main

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	userIDKey
)

const (
	HeaderRequestID = "X-Request-ID"
	HeaderUserID    = "X-User-ID"
	HeaderUserRole  = "X-User-Role"

	RoleAdmin = "admin"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusRecorder) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func requestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return "unknown"
}

func loggerMiddleware(log zerolog.Logger, ident identity) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			uid, _ := ident.userID(r)
			log.Info().
				Str("request_id", requestID(r.Context())).
				Int64("user_id", uid).
				Str("method", r.Method).
				Str("url", r.URL.String()).
				Int("status", rec.Status()).
				Dur("took", time.Since(start)).
				Msg("request completed")
		})
	}
}

// La autenticación la resuelve el gateway: el id de usuario llega en X-User-ID y el rol en
// X-User-Role. La cookie "uid" del frontend solo se acepta con trustCookie.
type identity struct {
	trustCookie bool
}

func (id identity) userID(r *http.Request) (int64, bool) {
	raw := r.Header.Get(HeaderUserID)
	if raw == "" && id.trustCookie {
		if c, err := r.Cookie("uid"); err == nil {
			raw = c.Value
		}
	}
	uid, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || uid <= 0 {
		return 0, false
	}
	return uid, true
}

func (id identity) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid, ok := id.userID(r)
		if !ok {
			writeMessage(w, http.StatusUnauthorized, "Authentication credentials were not provided.")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, uid)))
	})
}

// requireAdmin va después de requireUser.
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.EqualFold(r.Header.Get(HeaderUserRole), RoleAdmin) {
			writeMessage(w, http.StatusForbidden, "You do not have permission to perform this action.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userID(ctx context.Context) int64 {
	uid, _ := ctx.Value(userIDKey).(int64)
	return uid
}
