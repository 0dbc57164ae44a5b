package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/ebowwa/mcp-ssh-manager/internal/fleet"
	"github.com/ebowwa/mcp-ssh-manager/internal/fleeterr"
	"github.com/ebowwa/mcp-ssh-manager/internal/logging"
	"github.com/ebowwa/mcp-ssh-manager/internal/sshproxy"
)

// Fleet is set from main before the router serves requests.
var Fleet *fleet.Fleet

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// errorBody is the JSON shape of a fabric error.
type errorBody struct {
	Detail string        `json:"detail"`
	Kind   fleeterr.Kind `json:"kind"`
	Server string        `json:"server,omitempty"`
	Stdout string        `json:"stdout,omitempty"`
	Stderr string        `json:"stderr,omitempty"`
}

// writeFleetError maps err onto a status by kind. Errors without a kind get
// fallback. A partial group failure is answered with 207 and the group
// result as the body.
func writeFleetError(w http.ResponseWriter, err error, fallback int) {
	var limited *sshproxy.ErrRateLimited
	if errors.As(err, &limited) {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(limited.RetryAfter.Seconds()))))
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	}

	var fe *fleeterr.Error
	if !errors.As(err, &fe) {
		if fallback >= 500 {
			logging.Component("handlers").Error().Err(err).Msg("request failed")
		}
		writeError(w, fallback, err.Error())
		return
	}
	if fe.Kind == fleeterr.KindPartialGroupFailure && fe.Detail != nil {
		writeJSON(w, http.StatusMultiStatus, fe.Detail)
		return
	}
	writeJSON(w, statusForKind(fe.Kind, fallback), errorBody{
		Detail: err.Error(),
		Kind:   fe.Kind,
		Server: fe.Server,
		Stdout: string(fe.Stdout),
		Stderr: string(fe.Stderr),
	})
}

func statusForKind(k fleeterr.Kind, fallback int) int {
	switch k {
	case fleeterr.KindNotFound:
		return http.StatusNotFound
	case fleeterr.KindTrustViolation:
		return http.StatusConflict
	case fleeterr.KindAuthenticationFailed:
		return http.StatusUnauthorized
	case fleeterr.KindTimeout:
		return http.StatusGatewayTimeout
	case fleeterr.KindConnectionLost:
		return http.StatusBadGateway
	case fleeterr.KindPartialGroupFailure:
		return http.StatusMultiStatus
	default:
		return fallback
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// parseDuration accepts Go duration strings; empty means zero.
func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid %s %q", field, s)
	}
	return d, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return n, nil
}
