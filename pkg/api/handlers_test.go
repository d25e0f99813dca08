package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forkshield/settle/pkg/api"
	"github.com/forkshield/settle/pkg/settle"
	"github.com/forkshield/settle/pkg/store"
)

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	c := settle.New(store.NewMemory(), settle.WithTimeouts(settle.Timeouts{
		Open:   time.Second,
		Submit: time.Second,
		Attach: time.Second,
		Close:  time.Second,
		Status: time.Second,
	}))
	srv, err := api.NewServer(c)
	require.NoError(t, err)
	return srv.Routes(nil)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

func orderBody(headID, evidence string) map[string]any {
	return map[string]any{
		"head_id": headID,
		"order": map[string]any{
			"order_type":    "VERDICT",
			"verdict":       "DANGER",
			"evidence_hash": evidence,
			"agent_votes": []map[string]any{
				{"agent_id": "sentinel", "vote": "DANGER", "weight": 0.4},
				{"agent_id": "oracle", "vote": "SAFE", "weight": 0.25},
			},
		},
	}
}

// TestLifecycleOverHTTP drives a full head lifecycle through the HTTP
// boundary: open, submit, attach, status, close.
func TestLifecycleOverHTTP(t *testing.T) {
	h := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/hydra/open", map[string]any{
		"session_id":   "s1",
		"participants": []string{"alice", "bob"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var opened struct {
		HeadID string `json:"head_id"`
		Status string `json:"status"`
	}
	decodeBody(t, rec, &opened)
	assert.Equal(t, "h-s1", opened.HeadID)
	assert.Equal(t, "OPEN", opened.Status)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = doJSON(t, h, http.MethodPost, "/hydra/submit-order", orderBody("h-s1", "sha256:ev1"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var submitted struct {
		OrderID string `json:"order_id"`
	}
	decodeBody(t, rec, &submitted)
	assert.Equal(t, "o-h-s1-0001", submitted.OrderID)

	rec = doJSON(t, h, http.MethodPost, "/hydra/attach-zk", map[string]any{
		"head_id":   "h-s1",
		"order_id":  submitted.OrderID,
		"proof_ref": "zk://proof/1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, h, http.MethodGet, "/hydra/status/h-s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		HeadID      string `json:"head_id"`
		Status      string `json:"status"`
		OrdersCount int    `json:"orders_count"`
	}
	decodeBody(t, rec, &status)
	assert.Equal(t, "PROOF_ATTACHED", status.Status)
	assert.Equal(t, 1, status.OrdersCount)

	rec = doJSON(t, h, http.MethodPost, "/hydra/close", map[string]any{"head_id": "h-s1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var summary struct {
		HeadID            string   `json:"head_id"`
		FinalizedOrderIDs []string `json:"finalized_order_ids"`
		ProofRefs         []string `json:"proof_refs"`
	}
	decodeBody(t, rec, &summary)
	assert.Equal(t, []string{"o-h-s1-0001"}, summary.FinalizedOrderIDs)
	assert.Equal(t, []string{"zk://proof/1"}, summary.ProofRefs)
}

// TestProblemDetails verifies error responses are RFC 7807 problem+json
// with the settlement kind extension.
func TestProblemDetails(t *testing.T) {
	h := newTestServer(t)

	rec := doJSON(t, h, http.MethodGet, "/hydra/status/h-absent", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	var problem api.ProblemDetail
	decodeBody(t, rec, &problem)
	assert.Equal(t, http.StatusNotFound, problem.Status)
	assert.Equal(t, "HEAD_NOT_FOUND", problem.Kind)
	assert.Equal(t, "h-absent", problem.HeadID)
	assert.Equal(t, "/hydra/status/h-absent", problem.Instance)
}

// TestSchemaValidation verifies malformed request bodies fail with 400
// before touching the coordinator.
func TestSchemaValidation(t *testing.T) {
	h := newTestServer(t)

	tests := []struct {
		name string
		path string
		body map[string]any
	}{
		{"open without session", "/hydra/open", map[string]any{"participants": []string{"a"}}},
		{"open with empty participants", "/hydra/open", map[string]any{"session_id": "s1", "participants": []string{}}},
		{"open with unknown field", "/hydra/open", map[string]any{"session_id": "s1", "participants": []string{"a"}, "extra": 1}},
		{"submit without order", "/hydra/submit-order", map[string]any{"head_id": "h-s1"}},
		{"submit with bad verdict", "/hydra/submit-order", func() map[string]any {
			b := orderBody("h-s1", "sha256:ev")
			b["order"].(map[string]any)["verdict"] = "MAYBE"
			return b
		}()},
		{"submit with weight out of range", "/hydra/submit-order", func() map[string]any {
			b := orderBody("h-s1", "sha256:ev")
			b["order"].(map[string]any)["agent_votes"].([]map[string]any)[0]["weight"] = 1.5
			return b
		}()},
		{"attach without proof", "/hydra/attach-zk", map[string]any{"head_id": "h-s1", "order_id": "o-1"}},
		{"close without head", "/hydra/close", map[string]any{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, h, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
		})
	}
}

// TestDuplicateSessionConflict verifies re-opening with different
// participants maps to 409.
func TestDuplicateSessionConflict(t *testing.T) {
	h := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/hydra/open", map[string]any{
		"session_id": "s1", "participants": []string{"alice"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/hydra/open", map[string]any{
		"session_id": "s1", "participants": []string{"mallory"},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	var problem api.ProblemDetail
	decodeBody(t, rec, &problem)
	assert.Equal(t, "DUPLICATE_SESSION", problem.Kind)
}

// TestClosedHeadConflict verifies submissions to a closed head map to 409.
func TestClosedHeadConflict(t *testing.T) {
	h := newTestServer(t)

	doJSON(t, h, http.MethodPost, "/hydra/open", map[string]any{
		"session_id": "s1", "participants": []string{"alice"},
	})
	doJSON(t, h, http.MethodPost, "/hydra/close", map[string]any{"head_id": "h-s1"})

	rec := doJSON(t, h, http.MethodPost, "/hydra/submit-order", orderBody("h-s1", "sha256:ev"))
	assert.Equal(t, http.StatusConflict, rec.Code)

	var problem api.ProblemDetail
	decodeBody(t, rec, &problem)
	assert.Equal(t, "HEAD_CLOSED", problem.Kind)
}

// TestRateLimit verifies the limiter turns excess requests into 429 with a
// Retry-After header.
func TestRateLimit(t *testing.T) {
	c := settle.New(store.NewMemory())
	srv, err := api.NewServer(c)
	require.NoError(t, err)
	h := srv.Routes(api.NewLocalLimiter(1, 2))

	var tooMany int
	for i := 0; i < 10; i++ {
		rec := doJSON(t, h, http.MethodGet, "/healthz", nil)
		if rec.Code == http.StatusTooManyRequests {
			tooMany++
			assert.NotEmpty(t, rec.Header().Get("Retry-After"))
		}
	}
	assert.Greater(t, tooMany, 0)
}

// TestMethodNotAllowed verifies the mux rejects wrong methods on the
// settlement routes.
func TestMethodNotAllowed(t *testing.T) {
	h := newTestServer(t)
	rec := doJSON(t, h, http.MethodGet, "/hydra/open", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// TestIdempotentResubmissionOverHTTP verifies a client retry of the exact
// payload returns the same order ID.
func TestIdempotentResubmissionOverHTTP(t *testing.T) {
	h := newTestServer(t)

	doJSON(t, h, http.MethodPost, "/hydra/open", map[string]any{
		"session_id": "s1", "participants": []string{"alice"},
	})

	var first string
	for i := 0; i < 3; i++ {
		rec := doJSON(t, h, http.MethodPost, "/hydra/submit-order", orderBody("h-s1", "sha256:ev"))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var resp struct {
			OrderID string `json:"order_id"`
		}
		decodeBody(t, rec, &resp)
		if i == 0 {
			first = resp.OrderID
		}
		assert.Equal(t, first, resp.OrderID, fmt.Sprintf("retry %d", i))
	}
}
