package webchat

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	SessionCookieName = "oneline_chat_session"
	sessionMaxAge     = 30 * 24 * time.Hour
	anonPrefix        = "anon-"
)

type principalKey struct{}

// PrincipalFrom returns the caller identity set by the session middleware.
func PrincipalFrom(ctx context.Context) string {
	v, _ := ctx.Value(principalKey{}).(string)
	return v
}

func withPrincipal(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, principalKey{}, id)
}

func newAnonymousID() string {
	return anonPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

func validAnonymousID(v string) bool {
	if !strings.HasPrefix(v, anonPrefix) || len(v) != len(anonPrefix)+16 {
		return false
	}
	for _, c := range v[len(anonPrefix):] {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// sessionMiddleware resolves the principal: X-User-ID when a trusted proxy
// sets it, else the anonymous session cookie, minted on first visit.
func (r *Router) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r.trustUserHeader {
			if id := strings.TrimSpace(req.Header.Get("X-User-ID")); id != "" {
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), id)))
				return
			}
		}
		id := ""
		if c, err := req.Cookie(SessionCookieName); err == nil && validAnonymousID(c.Value) {
			id = c.Value
		}
		if id == "" {
			id = newAnonymousID()
			http.SetCookie(w, &http.Cookie{
				Name:     SessionCookieName,
				Value:    id,
				Path:     "/",
				MaxAge:   int(sessionMaxAge.Seconds()),
				HttpOnly: true,
				Secure:   r.secureCookies,
				SameSite: http.SameSiteLaxMode,
			})
		}
		next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), id)))
	})
}

type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	rps   float64
	burst int
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 10
	}
	return &limiterPool{m: map[string]*rate.Limiter{}, rps: rps, burst: burst}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.m[key]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(p.rps), p.burst)
	p.m[key] = l
	return l
}

func (p *limiterPool) Allow(key string) bool {
	if p == nil {
		return true
	}
	return p.get(key).Allow()
}

// limit guards a handler with the per-principal limiter.
func (r *Router) limit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !r.limiter.Allow(PrincipalFrom(req.Context())) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next(w, req)
	}
}

func (r *Router) corsMiddleware(next http.Handler) http.Handler {
	allowAll := false
	allowed := map[string]struct{}{}
	for _, o := range r.corsOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[strings.TrimRight(o, "/")] = struct{}{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		origin := req.Header.Get("Origin")
		if origin != "" {
			if _, ok := allowed[origin]; ok || allowAll {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Add("Vary", "Origin")
				if req.Method == http.MethodOptions {
					h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
					h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key, X-Request-ID, X-User-ID")
					h.Set("Access-Control-Max-Age", "600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
			}
		}
		next.ServeHTTP(w, req)
	})
}
