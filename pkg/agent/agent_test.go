package agent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altum-labs/probanza/pkg/verdict"
)

func validResponse() []byte {
	b, _ := json.Marshal(map[string]any{
		"project_id": "p-1",
		"phase":      "F2",
		"attempt":    1,
		"agent_role": "fiscal_compliance",
		"status":     "CONFORME",
		"score":      88.5,
		"rule_refs":  []string{"LIS-18"},
	})
	return b
}

func TestParseVerdict(t *testing.T) {
	v, err := ParseVerdict(validResponse())
	require.NoError(t, err)
	assert.Equal(t, verdict.RoleFiscalCompliance, v.Role)
	assert.Equal(t, verdict.StatusConforme, v.Status)
	assert.InDelta(t, 88.5, v.Score, 0.001)
}

func TestParseVerdictRejectsGarbage(t *testing.T) {
	cases := map[string]string{
		"not json":      `{{{`,
		"missing role":  `{"project_id":"p","phase":"F1","status":"CONFORME","score":50}`,
		"bad status":    `{"project_id":"p","phase":"F1","agent_role":"legal","status":"PERHAPS","score":50}`,
		"score too big": `{"project_id":"p","phase":"F1","agent_role":"legal","status":"CONFORME","score":250}`,
	}
	for name, raw := range cases {
		_, err := ParseVerdict([]byte(raw))
		assert.ErrorIs(t, err, ErrCallFailed, name)
	}
}

func TestHTTPEvaluatorSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "p-1", req.ProjectID)
		_, _ = w.Write(validResponse())
	}))
	defer srv.Close()

	e := NewHTTPEvaluator(HTTPEvaluatorConfig{Endpoint: srv.URL})
	v, err := e.Evaluate(context.Background(), Request{
		ProjectID: "p-1", Phase: "F2", Attempt: 1, Role: verdict.RoleFiscalCompliance,
	})
	require.NoError(t, err)
	assert.Equal(t, verdict.StatusConforme, v.Status)
}

func TestHTTPEvaluatorRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write(validResponse())
	}))
	defer srv.Close()

	e := NewHTTPEvaluator(HTTPEvaluatorConfig{Endpoint: srv.URL, MaxRetries: 3})
	_, err := e.Evaluate(context.Background(), Request{ProjectID: "p-1", Phase: "F2", Role: verdict.RoleLegal})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPEvaluatorTimeoutClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Body must be drained or srv.Close blocks on this connection.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	e := NewHTTPEvaluator(HTTPEvaluatorConfig{Endpoint: srv.URL, MaxRetries: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := e.Evaluate(ctx, Request{ProjectID: "p-1", Phase: "F2", Role: verdict.RoleLegal})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	cb := NewCircuitBreaker("test", 2, 20*time.Millisecond)
	assert.True(t, cb.Allow())

	cb.Failure()
	assert.True(t, cb.Allow())
	cb.Failure()
	assert.False(t, cb.Allow(), "breaker should be open after threshold")

	time.Sleep(25 * time.Millisecond)
	assert.True(t, cb.Allow(), "breaker should half-open after reset timeout")
	cb.Success()
	assert.True(t, cb.Allow())
}
