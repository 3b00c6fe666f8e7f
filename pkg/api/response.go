package api

import (
	"bytes"
	"encoding/json"
	stderr "errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/unisearch/reqcache/pkg/errors"
)

// envelope is the upstream response wrapper:
// {"success": bool, "data": ..., "error": "...", "code": "...", "details": ...}
type envelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
	Details json.RawMessage `json:"details"`
}

// parseEnvelope reports whether body is an envelope. Anything that is not a
// JSON object with a "success" field is treated as bare data.
func parseEnvelope(body []byte) (envelope, bool) {
	var env envelope
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return env, false
	}
	if err := json.Unmarshal(trimmed, &env); err != nil || env.Success == nil {
		return envelope{}, false
	}
	return env, true
}

// decodeResponse turns a status and body into the data payload or a
// classified error.
func decodeResponse(status int, header http.Header, body []byte) (json.RawMessage, error) {
	env, wrapped := parseEnvelope(body)

	if status >= 200 && status < 300 {
		if !wrapped {
			if len(bytes.TrimSpace(body)) == 0 {
				return nil, nil
			}
			if !json.Valid(body) {
				return nil, errors.NewError(errors.ErrCodeSerializationFailed, "response body is not valid JSON").
					WithComponent("api")
			}
			return json.RawMessage(body), nil
		}
		if *env.Success {
			return env.Data, nil
		}
		return nil, envelopeError(status, env)
	}

	e := errors.FromHTTPStatus(status, "")
	if wrapped {
		applyEnvelope(e, env)
	}
	if status == http.StatusTooManyRequests {
		if d := parseRetryAfter(header.Get("Retry-After"), time.Now()); d > 0 {
			e.WithRetryAfter(d)
		}
	}
	return nil, e.WithComponent("api")
}

// envelopeError classifies a success=false body delivered with a 2xx status.
func envelopeError(status int, env envelope) *errors.ReqCacheError {
	code := errors.ErrCodeValidationFailed
	if known := errors.ErrorCode(env.Code); errors.GetDefaultHTTPStatus(known) != 0 {
		code = known
	}
	e := errors.NewError(code, http.StatusText(status))
	e.HTTPStatus = status
	applyEnvelope(e, env)
	return e.WithComponent("api")
}

func applyEnvelope(e *errors.ReqCacheError, env envelope) {
	switch {
	case env.Error != "":
		e.Message = env.Error
	case env.Message != "":
		e.Message = env.Message
	}
	if env.Code != "" {
		e.WithDetail("server_code", env.Code)
	}
	if len(env.Details) == 0 || string(env.Details) == "null" {
		return
	}

	var fields map[string]string
	if err := json.Unmarshal(env.Details, &fields); err == nil {
		e.WithFieldErrors(fields)
		return
	}
	var details any
	if err := json.Unmarshal(env.Details, &details); err == nil {
		e.WithDetail("details", details)
	}
}

// maxRetryAfterSecs is the largest delay a time.Duration can hold.
const maxRetryAfterSecs = math.MaxInt64 / int64(time.Second)

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil || stderr.Is(err, strconv.ErrRange) {
		switch {
		case secs < 0:
			return 0
		case secs > maxRetryAfterSecs:
			secs = maxRetryAfterSecs
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// decodeData unmarshals a payload into v; an empty payload leaves v unchanged.
func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrap(errors.ErrCodeSerializationFailed,
			fmt.Sprintf("failed to decode response into %T", v), err).
			WithComponent("api")
	}
	return nil
}
