package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/otaldogusta/GoAtleta-sub001/internal/outbox/schema"
)

// ClassifiedError is a failed backend call with its failure class.
type ClassifiedError struct {
	Class      schema.FailureClass
	StatusCode int    // 0 for transport failures
	Code       string // backend error code, e.g. "23505"
	Message    string
	Hint       string
	// RetryAfter is the server's Retry-After hint, if any.
	RetryAfter time.Duration
	// Permanent is set when the backend says the call will never succeed.
	Permanent bool
	Err       error
}

func (e *ClassifiedError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Class))
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " [%s]", e.Code)
	}
	switch {
	case e.Message != "":
		b.WriteString(": ")
		b.WriteString(e.Message)
	case e.Err != nil:
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the call may succeed if tried again.
func (e *ClassifiedError) Retryable() bool {
	return !e.Permanent && e.Class.Transient()
}

// AsClassified extracts a ClassifiedError from err, classifying unknown
// errors as transport failures.
func AsClassified(err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}
	return ClassifyTransport(err)
}

// ClassifyTransport classifies an error raised before any response arrived.
func ClassifyTransport(err error) *ClassifiedError {
	class := schema.ClassNetwork
	if isTimeout(err) {
		class = schema.ClassTimeout
	}
	return &ClassifiedError{Class: class, Message: err.Error(), Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) && errno == syscall.ETIMEDOUT {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

// errorBody is the JSON error envelope of the backend (PostgREST shape).
type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   string `json:"details"`
	Hint      string `json:"hint"`
	Permanent bool   `json:"permanent"`
	Error     string `json:"error"`
}

// Database error codes that override the HTTP status classification.
var codeClasses = map[string]schema.FailureClass{
	"23505":    schema.ClassConflict,   // unique_violation
	"23503":    schema.ClassConflict,   // foreign_key_violation
	"22P02":    schema.ClassValidation, // invalid_text_representation
	"23502":    schema.ClassValidation, // not_null_violation
	"23514":    schema.ClassValidation, // check_violation
	"22001":    schema.ClassValidation, // string_data_right_truncation
	"42501":    schema.ClassPermission, // insufficient_privilege
	"40001":    schema.ClassServer,     // serialization_failure
	"40P01":    schema.ClassServer,     // deadlock_detected
	"57014":    schema.ClassTimeout,    // query_canceled
	"PGRST301": schema.ClassAuth,       // JWT expired
	"PGRST302": schema.ClassAuth,       // anonymous access disabled
}

// ClassifyResponse classifies a non-2xx response.
func ClassifyResponse(status int, header http.Header, body []byte) *ClassifiedError {
	ce := &ClassifiedError{
		Class:      classForStatus(status),
		StatusCode: status,
		RetryAfter: parseRetryAfter(header.Get("Retry-After"), time.Now()),
	}

	var eb errorBody
	if len(body) > 0 && json.Unmarshal(body, &eb) == nil {
		ce.Code = eb.Code
		ce.Message = eb.Message
		if ce.Message == "" {
			ce.Message = eb.Error
		}
		ce.Hint = eb.Hint
		ce.Permanent = eb.Permanent
		if class, ok := codeClasses[eb.Code]; ok {
			ce.Class = class
		}
	}
	if ce.Message == "" {
		ce.Message = http.StatusText(status)
		if ce.Message == "" {
			ce.Message = fmt.Sprintf("status %d", status)
		}
	}
	return ce
}

func classForStatus(status int) schema.FailureClass {
	switch {
	case status == http.StatusUnauthorized:
		return schema.ClassAuth
	case status == http.StatusForbidden:
		return schema.ClassPermission
	case status == http.StatusConflict:
		return schema.ClassConflict
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return schema.ClassTimeout
	case status == http.StatusTooManyRequests, status == http.StatusServiceUnavailable:
		return schema.ClassUnavailable
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return schema.ClassValidation
	case status >= 500:
		return schema.ClassServer
	default:
		return schema.ClassClient
	}
}

// maxRetryAfter bounds the server-requested delay.
const maxRetryAfter = 24 * time.Hour

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		if secs > int64(maxRetryAfter/time.Second) {
			return maxRetryAfter
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return min(d, maxRetryAfter)
		}
	}
	return 0
}
