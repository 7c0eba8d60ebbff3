package httputil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSON(t *testing.T) {
	type body struct {
		Name string `json:"name"`
	}

	t.Run("valid", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"legal"}`))
		var b body
		require.NoError(t, ParseJSON(r, &b))
		assert.Equal(t, "legal", b.Name)
	})

	t.Run("unknown field", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"legal","admin":true}`))
		var b body
		assert.Error(t, ParseJSON(r, &b))
	})

	t.Run("or error writes 400", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))
		w := httptest.NewRecorder()
		var b body
		assert.False(t, ParseJSONOrError(w, r, &b))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "invalid JSON")
	})
}

func TestPathVar(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/tenants/t1", nil)
	r = mux.SetURLVars(r, map[string]string{"tenant": "t1"})

	assert.Equal(t, "t1", PathVar(r, "tenant"))
	assert.Equal(t, "", PathVar(r, "missing"))
}

func TestParseQueryInt(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		want    int
		wantErr bool
	}{
		{"default", "/requests", 50, false},
		{"value", "/requests?limit=10", 10, false},
		{"invalid", "/requests?limit=ten", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.url, nil)
			got, err := ParseQueryInt(r, "limit", 50)
			if tt.wantErr {
				assert.Error(t, err)
				w := httptest.NewRecorder()
				_, ok := ParseQueryIntOrError(w, r, "limit", 50)
				assert.False(t, ok)
				assert.Equal(t, http.StatusBadRequest, w.Code)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
