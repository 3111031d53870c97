package webchat

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/oneline-chat/pkg/relay"
	"github.com/go-go-golems/oneline-chat/pkg/share"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Str("component", "webchat").Msg("response write failed")
	}
}

func writeError(w http.ResponseWriter, status int, kind string, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Message: msg, Type: kind, Code: status}})
}

// writeKindError maps any error to the envelope via the relay taxonomy.
func writeKindError(w http.ResponseWriter, err error) {
	kind := relay.KindOf(err)
	status := statusForKind(kind)
	if errors.Is(err, share.ErrShareNotFound) {
		kind, status = "share_not_found", http.StatusNotFound
	} else if errors.Is(err, share.ErrInvalidShare) {
		kind, status = relay.KindInvalidRequest, http.StatusBadRequest
	}
	msg := err.Error()
	if status >= 500 && kind == relay.KindInternal {
		log.Error().Err(err).Str("component", "webchat").Msg("request failed")
		msg = "internal error"
	}
	writeError(w, status, string(kind), msg)
}

func statusForKind(k relay.Kind) int {
	switch k {
	case relay.KindInvalidRequest:
		return http.StatusBadRequest
	case relay.KindAgentNotFound, relay.KindChatNotFound:
		return http.StatusNotFound
	case relay.KindAgentUnavailable:
		return http.StatusServiceUnavailable
	case relay.KindUpstreamError, relay.KindStreamInterrupted:
		return http.StatusBadGateway
	case relay.KindTimeout:
		return http.StatusGatewayTimeout
	case relay.KindCancelled:
		// nginx's "client closed request"
		return 499
	case relay.KindStoreWriteFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.Wrap(relay.ErrInvalidRequest, "empty body")
		}
		return errors.Wrapf(relay.ErrInvalidRequest, "bad json: %v", err)
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) int {
	s := strings.TrimSpace(r.URL.Query().Get(key))
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func queryBool(r *http.Request, key string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return v
}
