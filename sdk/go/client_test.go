package approvalqsdk

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActOmitsBodyWithoutExpectedLevel(t *testing.T) {
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(b))
		assert.Equal(t, "/v0/requests/req_1/approve", r.URL.Path)
		_ = json.NewEncoder(w).Encode(ActionResult{Request: Request{ID: "req_1", Status: "Pending", CurrentLevel: 2}})
	}))
	defer srv.Close()

	c := New(srv.URL)
	res, err := c.Approve(context.Background(), "req_1", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Request.CurrentLevel)

	_, err = c.Approve(context.Background(), "req_1", 1)
	require.NoError(t, err)

	require.Len(t, bodies, 2)
	assert.Empty(t, bodies[0])
	assert.JSONEq(t, `{"expected_level":1}`, bodies[1])
}

func TestErrorEnvelopeIsParsed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"stale_level","message":"request moved to level 2"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Decline(context.Background(), "req_1", 1)
	require.Error(t, err)
	assert.True(t, IsCode(err, "stale_level"))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
}
