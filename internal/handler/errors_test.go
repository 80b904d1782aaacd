package handler

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/forge/internal/model"
)

func TestMapAPIErrorToHTTPStatus(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{model.ErrCodeUnauthorized, http.StatusUnauthorized},
		{model.ErrCodeInvalidRequest, http.StatusBadRequest},
		{model.ErrCodeMissingField, http.StatusBadRequest},
		{model.ErrCodeInvalidSelection, http.StatusBadRequest},
		{model.ErrCodeProjectForbidden, http.StatusForbidden},
		{model.ErrCodeCSRFInvalid, http.StatusForbidden},
		{model.ErrCodeResearchNotFound, http.StatusNotFound},
		{model.ErrCodeResearchRunning, http.StatusConflict},
		{model.ErrCodeRateLimited, http.StatusTooManyRequests},
		{model.ErrCodeInternal, http.StatusInternalServerError},
		{"UNKNOWN", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if got := mapAPIErrorToHTTPStatus(&model.APIError{Code: tt.code}); got != tt.want {
				t.Errorf("mapAPIErrorToHTTPStatus(%s) = %d, want %d", tt.code, got, tt.want)
			}
		})
	}
}

func TestHandleServiceError_WrappedAPIError(t *testing.T) {
	w := httptest.NewRecorder()
	handleServiceError(w, fmt.Errorf("開始失敗: %w", model.NewResearchRunningError(testProjectID)))

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
	body := parseAPIErrorResponse(t, w.Body)
	if body["code"] != model.ErrCodeResearchRunning || body["action"] == "" {
		t.Errorf("body = %v", body)
	}
}

func TestHandleServiceError_HidesInternalDetails(t *testing.T) {
	w := httptest.NewRecorder()
	handleServiceError(w, errors.New("pq: password authentication failed"))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	body := parseAPIErrorResponse(t, w.Body)
	if body["code"] != model.ErrCodeInternal {
		t.Errorf("code = %q", body["code"])
	}
	if body["message"] == "pq: password authentication failed" {
		t.Error("内部エラーの詳細をレスポンスに含めてはいけない")
	}
}
