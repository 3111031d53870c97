package webchat

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"
)

// RouterOption configures optional behaviour of a Router.
type RouterOption func(*Router) error

func WithWebSocketUpgrader(u websocket.Upgrader) RouterOption {
	return func(r *Router) error {
		r.upgrader = u
		return nil
	}
}

// WithCORSOrigins sets the allow-list for browser origins. "*" allows any.
func WithCORSOrigins(origins []string) RouterOption {
	return func(r *Router) error {
		r.corsOrigins = append([]string(nil), origins...)
		return nil
	}
}

// WithRateLimit limits each principal to rps requests per second on the
// chat and share endpoints. rps <= 0 disables limiting.
func WithRateLimit(rps float64, burst int) RouterOption {
	return func(r *Router) error {
		r.limiter = newLimiterPool(rps, burst)
		return nil
	}
}

// WithTrustedUserHeader makes X-User-ID the principal. Only enable behind a
// proxy that sets it.
func WithTrustedUserHeader(trust bool) RouterOption {
	return func(r *Router) error {
		r.trustUserHeader = trust
		return nil
	}
}

func WithSecureCookies(secure bool) RouterOption {
	return func(r *Router) error {
		r.secureCookies = secure
		return nil
	}
}

// WithShareTTL is the expiry applied to share links created without one.
func WithShareTTL(ttl time.Duration) RouterOption {
	return func(r *Router) error {
		if ttl < 0 {
			return errors.New("share ttl is negative")
		}
		r.shareTTL = ttl
		return nil
	}
}

func WithRouterClock(now func() time.Time) RouterOption {
	return func(r *Router) error {
		if now == nil {
			return errors.New("clock is nil")
		}
		r.now = now
		return nil
	}
}
