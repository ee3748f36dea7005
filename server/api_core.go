package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"trellocore/internal/access"
	"trellocore/internal/domain"
	"trellocore/internal/logger"
	"trellocore/internal/storage"
	"trellocore/internal/uow"
)

// outboxOps is the operator surface of the outbox.
type outboxOps interface {
	Stats(ctx context.Context) (storage.OutboxStats, error)
	Requeue(ctx context.Context, id string) error
}

type api struct {
	info     serviceInfo
	exec     *uow.Executor
	reader   *uow.Reader
	verifier *access.Verifier
	outbox   outboxOps
	checks   map[string]func(context.Context) error
	log      *logger.Logger
	// rate limiting buckets per principal:key
	rlMu sync.Mutex
	rl   map[string]*rateBucket
}

type serviceInfo struct {
	Name        string
	Version     string
	Environment string
}

func newAPI(info serviceInfo, exec *uow.Executor, reader *uow.Reader, verifier *access.Verifier, log *logger.Logger) *api {
	return &api{
		info:     info,
		exec:     exec,
		reader:   reader,
		verifier: verifier,
		checks:   map[string]func(context.Context) error{},
		log:      log.With("component", "http"),
		rl:       map[string]*rateBucket{},
	}
}

type rateBucket struct {
	count   int
	resetAt time.Time
}

func (a *api) allow(who, key string, max int, window time.Duration) bool {
	now := time.Now()
	rk := who + ":" + key
	a.rlMu.Lock()
	defer a.rlMu.Unlock()
	b, ok := a.rl[rk]
	if !ok || now.After(b.resetAt) {
		b = &rateBucket{resetAt: now.Add(window)}
		a.rl[rk] = b
	}
	if b.count >= max {
		return false
	}
	b.count++
	return true
}

func (a *api) withRateLimit(name string, max int, window time.Duration, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		who := r.RemoteAddr
		if p, ok := access.PrincipalFrom(r.Context()); ok {
			who = p.TenantID + "/" + p.UserID
		}
		if !a.allow(who, name, max, window) {
			writeError(w, 429, "rate_limited", "too many requests")
			return
		}
		next(w, r)
	}
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, r.Body)
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}

type errorBody struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}

// fail maps a command or query error onto the HTTP response.
func (a *api) fail(w http.ResponseWriter, op string, err error) {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, 422, errorBody{Error: "validation_failed", Message: ve.Reason, Field: ve.Field})
	case errors.Is(err, domain.ErrValidation):
		writeError(w, 422, "validation_failed", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, 404, "not_found", err.Error())
	case errors.Is(err, domain.ErrConflict):
		writeError(w, 409, "conflict", "the resource was changed concurrently, retry")
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, 403, "forbidden", "forbidden")
	case errors.Is(err, storage.ErrCommitUnknown):
		a.log.Error(op, "error", err)
		writeError(w, 503, "commit_unknown", "the change may have been applied, reload before retrying")
	case errors.Is(err, domain.ErrStorageUnavailable):
		a.log.Warn(op, "error", err)
		w.Header().Set("Retry-After", "1")
		writeError(w, 503, "unavailable", "storage temporarily unavailable")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, 503, "unavailable", "request cancelled")
	default:
		a.log.Error(op, "error", err)
		writeError(w, 500, "internal", "internal error")
	}
}

// requireAuth verifies the bearer token and puts the principal in the
// request context.
func (a *api) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, 401, "unauthorized", "missing bearer token")
			return
		}
		p, err := a.verifier.Verify(strings.TrimSpace(token))
		if err != nil {
			a.log.Debug("token rejected", "error", err)
			writeError(w, 401, "unauthorized", "invalid token")
			return
		}
		next(w, r.WithContext(access.WithPrincipal(r.Context(), p)))
	}
}

func (a *api) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return a.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		if !principal(r).HasRole("admin") {
			writeError(w, 403, "forbidden", "forbidden")
			return
		}
		next(w, r)
	})
}

func principal(r *http.Request) access.Principal {
	p, _ := access.PrincipalFrom(r.Context())
	return p
}

func actor(r *http.Request) uow.Actor { return uow.Actor{By: principal(r)} }

// execute runs cmd and writes the committed aggregate.
func (a *api) execute(w http.ResponseWriter, r *http.Request, status int, cmd uow.Command) {
	res, err := a.exec.Execute(r.Context(), cmd)
	if err != nil {
		a.fail(w, cmd.Name(), err)
		return
	}
	w.Header().Set("ETag", `"`+res.Aggregate.Ref().String()+`@`+strconv.FormatInt(res.Version, 10)+`"`)
	writeJSON(w, status, res.Aggregate)
}

func withLogging(log *logger.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()
		next.ServeHTTP(sw, r)
		log.Info("http", "method", r.Method, "path", r.URL.Path, "status", sw.status, "dur_ms", time.Since(start).Milliseconds())
	})
}

// withCORS allows the configured origins; "*" allows any.
func withCORS(origins []string, next http.Handler) http.Handler {
	wildcard := slices.Contains(origins, "*")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (wildcard || slices.Contains(origins, origin)) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
			if r.Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) { w.status = code; w.ResponseWriter.WriteHeader(code) }
