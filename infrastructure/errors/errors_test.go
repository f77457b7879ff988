package errors

import (
	"errors"
	"net/http"
	"testing"
)

func TestQueryError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *QueryError
		want string
	}{
		{
			name: "error without underlying error",
			err:  New(KindUser, ErrCodeSyntaxError, "test message", http.StatusBadRequest),
			want: "[SYNTAX_ERROR] test message",
		},
		{
			name: "error with underlying error",
			err:  Wrap(KindInternal, ErrCodeInternal, "test message", http.StatusInternalServerError, errors.New("underlying")),
			want: "[INTERNAL_ERROR] test message: underlying",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQueryError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := Wrap(KindInternal, ErrCodeInternal, "test", http.StatusInternalServerError, underlying)

	if got := err.Unwrap(); got != underlying {
		t.Errorf("Unwrap() = %v, want %v", got, underlying)
	}
}

func TestQueryError_WithDetails(t *testing.T) {
	err := InvalidInput("field", "ignored")
	err.WithDetails("field", "username").WithDetails("reason", "too short")

	if err.Details["field"] != "username" {
		t.Errorf("Details[field] = %v, want username", err.Details["field"])
	}

	if err.Details["reason"] != "too short" {
		t.Errorf("Details[reason] = %v, want too short", err.Details["reason"])
	}
}

func TestQueryError_WithLocation(t *testing.T) {
	err := SyntaxError("unexpected token").WithLocation("line 1, column 12")
	if err.Location != "line 1, column 12" {
		t.Errorf("Location = %q, want %q", err.Location, "line 1, column 12")
	}
}

func TestSyntaxError(t *testing.T) {
	err := SyntaxError("unexpected token FROM")

	if err.Kind != KindUser {
		t.Errorf("Kind = %v, want %v", err.Kind, KindUser)
	}
	if err.Name != ErrCodeSyntaxError {
		t.Errorf("Name = %v, want %v", err.Name, ErrCodeSyntaxError)
	}
	if err.HTTPStatus != http.StatusBadRequest {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusBadRequest)
	}
}

func TestInvalidInput(t *testing.T) {
	err := InvalidInput("email", "invalid format")

	if err.Name != ErrCodeInvalidInput {
		t.Errorf("Name = %v, want %v", err.Name, ErrCodeInvalidInput)
	}
	if err.HTTPStatus != http.StatusBadRequest {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusBadRequest)
	}
	if err.Details["field"] != "email" {
		t.Errorf("Details[field] = %v, want email", err.Details["field"])
	}
}

func TestMissingParameter(t *testing.T) {
	err := MissingParameter("query")

	if err.Name != ErrCodeMissingParameter {
		t.Errorf("Name = %v, want %v", err.Name, ErrCodeMissingParameter)
	}
	if err.Details["parameter"] != "query" {
		t.Errorf("Details[parameter] = %v, want query", err.Details["parameter"])
	}
}

func TestNotFound(t *testing.T) {
	err := NotFound("query", "20260731_123456_00001_abcde")

	if err.Name != ErrCodeNotFound {
		t.Errorf("Name = %v, want %v", err.Name, ErrCodeNotFound)
	}
	if err.HTTPStatus != http.StatusNotFound {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusNotFound)
	}
	if err.Details["resource"] != "query" {
		t.Errorf("Details[resource] = %v, want query", err.Details["resource"])
	}
}

func TestAlreadyExists(t *testing.T) {
	err := AlreadyExists("queue", "adhoc")

	if err.Name != ErrCodeAlreadyExists {
		t.Errorf("Name = %v, want %v", err.Name, ErrCodeAlreadyExists)
	}
	if err.HTTPStatus != http.StatusConflict {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusConflict)
	}
}

func TestUserCanceled(t *testing.T) {
	err := UserCanceled("query-1")

	if err.Name != ErrCodeUserCanceled {
		t.Errorf("Name = %v, want %v", err.Name, ErrCodeUserCanceled)
	}
	if err.Details["query_id"] != "query-1" {
		t.Errorf("Details[query_id] = %v, want query-1", err.Details["query_id"])
	}
}

func TestAbandonedByClient(t *testing.T) {
	err := AbandonedByClient("query-1")

	if err.Name != ErrCodeAbandoned {
		t.Errorf("Name = %v, want %v", err.Name, ErrCodeAbandoned)
	}
	if err.HTTPStatus != http.StatusRequestTimeout {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusRequestTimeout)
	}
}

func TestQueueFull(t *testing.T) {
	err := QueueFull("global")

	if err.Kind != KindInsufficientResources {
		t.Errorf("Kind = %v, want %v", err.Kind, KindInsufficientResources)
	}
	if err.Name != ErrCodeQueueFull {
		t.Errorf("Name = %v, want %v", err.Name, ErrCodeQueueFull)
	}
	if err.Details["queue"] != "global" {
		t.Errorf("Details[queue] = %v, want global", err.Details["queue"])
	}
}

func TestExceededMemoryLimit(t *testing.T) {
	err := ExceededMemoryLimit("query-1", 1<<30)

	if err.Name != ErrCodeExceededMemoryLimit {
		t.Errorf("Name = %v, want %v", err.Name, ErrCodeExceededMemoryLimit)
	}
	if err.Details["limit_bytes"] != int64(1<<30) {
		t.Errorf("Details[limit_bytes] = %v, want %d", err.Details["limit_bytes"], int64(1<<30))
	}
}

func TestRateLimitExceeded(t *testing.T) {
	err := RateLimitExceeded(100, "1m")

	if err.Name != ErrCodeRateLimitExceeded {
		t.Errorf("Name = %v, want %v", err.Name, ErrCodeRateLimitExceeded)
	}
	if err.HTTPStatus != http.StatusTooManyRequests {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusTooManyRequests)
	}
	if err.Details["limit"] != 100 {
		t.Errorf("Details[limit] = %v, want 100", err.Details["limit"])
	}
}

func TestInternal(t *testing.T) {
	underlying := errors.New("panic recovered")
	err := Internal("internal error", underlying)

	if err.Name != ErrCodeInternal {
		t.Errorf("Name = %v, want %v", err.Name, ErrCodeInternal)
	}
	if err.HTTPStatus != http.StatusInternalServerError {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusInternalServerError)
	}
	if err.Err != underlying {
		t.Errorf("Err = %v, want %v", err.Err, underlying)
	}
}

func TestServerShuttingDown(t *testing.T) {
	err := ServerShuttingDown()

	if err.Name != ErrCodeServerShuttingDown {
		t.Errorf("Name = %v, want %v", err.Name, ErrCodeServerShuttingDown)
	}
	if err.HTTPStatus != http.StatusServiceUnavailable {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusServiceUnavailable)
	}
}

func TestExternalError(t *testing.T) {
	underlying := errors.New("connection refused")
	err := ExternalError("worker-3", underlying)

	if err.Kind != KindExternal {
		t.Errorf("Kind = %v, want %v", err.Kind, KindExternal)
	}
	if err.Name != ErrCodeExternal {
		t.Errorf("Name = %v, want %v", err.Name, ErrCodeExternal)
	}
	if err.HTTPStatus != http.StatusBadGateway {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusBadGateway)
	}
}

func TestTimeout(t *testing.T) {
	err := Timeout("poll")

	if err.Name != ErrCodeTimeout {
		t.Errorf("Name = %v, want %v", err.Name, ErrCodeTimeout)
	}
	if err.HTTPStatus != http.StatusGatewayTimeout {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusGatewayTimeout)
	}
	if err.Details["operation"] != "poll" {
		t.Errorf("Details[operation] = %v, want poll", err.Details["operation"])
	}
}

func TestConflict(t *testing.T) {
	err := Conflict("query already canceled")

	if err.Name != ErrCodeConflict {
		t.Errorf("Name = %v, want %v", err.Name, ErrCodeConflict)
	}
	if err.HTTPStatus != http.StatusConflict {
		t.Errorf("HTTPStatus = %d, want %d", err.HTTPStatus, http.StatusConflict)
	}
}

func TestIsQueryError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "query error",
			err:  New(KindInternal, ErrCodeInternal, "test", http.StatusInternalServerError),
			want: true,
		},
		{
			name: "standard error",
			err:  errors.New("standard error"),
			want: false,
		},
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsQueryError(tt.err); got != tt.want {
				t.Errorf("IsQueryError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetQueryError(t *testing.T) {
	queryErr := New(KindInternal, ErrCodeInternal, "test", http.StatusInternalServerError)
	standardErr := errors.New("standard error")

	tests := []struct {
		name string
		err  error
		want *QueryError
	}{
		{name: "query error", err: queryErr, want: queryErr},
		{name: "standard error", err: standardErr, want: nil},
		{name: "nil error", err: nil, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GetQueryError(tt.err)
			if got != tt.want {
				t.Errorf("GetQueryError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{
			name: "query error",
			err:  New(KindUser, ErrCodeSyntaxError, "test", http.StatusBadRequest),
			want: http.StatusBadRequest,
		},
		{
			name: "standard error",
			err:  errors.New("standard error"),
			want: http.StatusInternalServerError,
		},
		{
			name: "nil error",
			err:  nil,
			want: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetHTTPStatus(tt.err); got != tt.want {
				t.Errorf("GetHTTPStatus() = %v, want %v", got, tt.want)
			}
		})
	}
}
