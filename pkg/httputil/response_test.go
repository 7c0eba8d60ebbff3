package httputil

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/platinummonkey/tollgate/pkg/errs"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"message": "success"}

	err := WriteJSON(w, http.StatusOK, data)

	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "success")
}

func TestWriteErrorMessage(t *testing.T) {
	w := httptest.NewRecorder()

	WriteErrorMessage(w, http.StatusNotFound, "resource not found")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"resource not found"}`, w.Body.String())
}

func TestWriteDomainError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantBody string
	}{
		{"forbidden hides detail", fmt.Errorf("%w: account a9 not in grant", errs.ErrForbidden), http.StatusForbidden, `{"error":"forbidden"}`},
		{"validation", fmt.Errorf("%w: min_approvals must be at least 1", errs.ErrValidation), http.StatusBadRequest, `{"error":"validation failed: min_approvals must be at least 1"}`},
		{"conflict", errs.ErrConflict, http.StatusConflict, ""},
		{"not found", errs.ErrNotFound, http.StatusNotFound, ""},
		{"unsatisfiable", errs.ErrUnsatisfiable, http.StatusUnprocessableEntity, ""},
		{"upstream", errs.ErrUpstream, http.StatusBadGateway, ""},
		{"internal hides detail", errors.New("pq: connection refused"), http.StatusInternalServerError, `{"error":"internal error"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteDomainError(w, tt.err)
			assert.Equal(t, tt.wantCode, w.Code)
			if tt.wantBody != "" {
				assert.JSONEq(t, tt.wantBody, w.Body.String())
			}
		})
	}
}

func TestStatusHelpers(t *testing.T) {
	tests := []struct {
		name string
		fn   func(http.ResponseWriter)
		want int
	}{
		{"created", func(w http.ResponseWriter) { WriteCreated(w, map[string]int{"id": 1}) }, http.StatusCreated},
		{"success", func(w http.ResponseWriter) { WriteSuccess(w, []string{}) }, http.StatusOK},
		{"no content", WriteNoContent, http.StatusNoContent},
		{"bad request", func(w http.ResponseWriter) { WriteBadRequest(w, "bad") }, http.StatusBadRequest},
		{"unauthorized", func(w http.ResponseWriter) { WriteUnauthorized(w, "who") }, http.StatusUnauthorized},
		{"forbidden", func(w http.ResponseWriter) { WriteForbidden(w, "no") }, http.StatusForbidden},
		{"too many", func(w http.ResponseWriter) { WriteTooManyRequests(w, "slow down") }, http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.fn(w)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}
