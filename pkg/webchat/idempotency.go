package webchat

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
)

func requestIDFromRequest(r *http.Request) string {
	var key string
	if r != nil {
		for _, h := range []string{"Idempotency-Key", "X-Idempotency-Key", "X-Request-ID"} {
			if key = strings.TrimSpace(r.Header.Get(h)); key != "" {
				break
			}
		}
	}
	if len(key) > 128 {
		key = key[:128]
	}
	if key == "" {
		key = uuid.NewString()
	}
	return key
}
