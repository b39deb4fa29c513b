package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartops/remediator/internal/audit"
	"github.com/smartops/remediator/internal/cluster"
	"github.com/smartops/remediator/internal/dispatch"
	"github.com/smartops/remediator/internal/guardrail"
	"github.com/smartops/remediator/internal/loop"
	"github.com/smartops/remediator/internal/mapper"
	"github.com/smartops/remediator/internal/ratelimit"
	"github.com/smartops/remediator/internal/signal"
	"github.com/smartops/remediator/internal/verify"
)

func newTestServer(t *testing.T) (*Server, *cluster.Fake) {
	return newTestServerQueue(t, 0)
}

func newTestServerQueue(t *testing.T, queueCapacity int) (*Server, *cluster.Fake) {
	t.Helper()

	fake := cluster.NewFake()
	fake.Seed("smartops", "smartops-checkout", 2)
	fake.Seed("smartops", "smartops-payments", 2)

	mp := mapper.New("smartops", cluster.NameResolver{Prefix: "smartops-"})
	store := signal.NewStore(50)
	auditLog := audit.NewLog(nil, nil, 100)
	verifier := verify.New(fake, nil, 5*time.Millisecond, 200*time.Millisecond)

	manager := loop.NewManager(loop.Options{
		Cluster: fake,
		Mapper:  mp,
		Guardrails: guardrail.New(guardrail.Limits{
			MaxReplicas:           8,
			MinReplicas:           1,
			Cooldown:              5 * time.Minute,
			MaxActionsPerHour:     6,
			MaxScaleDeltaPer15Min: 3,
		}),
		Dispatcher: dispatch.New(fake, nil, nil,
			dispatch.WithBackoff(time.Millisecond, 5*time.Millisecond)),
		Verifier:      verifier,
		Audit:         auditLog,
		Signals:       store,
		QueueCapacity: queueCapacity,
	})

	return New(Options{
		Addr:      ":0",
		Namespace: "smartops",
		Manager:   manager,
		Mapper:    mp,
		Cluster:   fake,
		Verifier:  verifier,
		Signals:   store,
		Audit:     auditLog,
		Registry:  prometheus.NewRegistry(),
	}), fake
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

func TestHealthAndMetrics(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s.Handler(), http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s.Handler(), http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIngestAnomaly(t *testing.T) {
	s, _ := newTestServer(t)

	t.Run("valid signal accepted", func(t *testing.T) {
		rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/signals/anomaly", map[string]any{
			"windowId":  "w1",
			"service":   "checkout",
			"isAnomaly": true,
			"score":     0.9,
			"category":  "resource",
		})
		assert.Equal(t, http.StatusAccepted, rec.Code)
	})

	t.Run("missing window rejected", func(t *testing.T) {
		rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/signals/anomaly", map[string]any{
			"service": "checkout",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "invalid_signal")
	})

	t.Run("malformed JSON rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/signals/anomaly",
			bytes.NewBufferString("{nope"))
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestIngestQueueFullStillAccepts202(t *testing.T) {
	// Workers never run, so a capacity-one queue fills on the first
	// signal. The drop must surface as accepted=false, not an error
	// status.
	s, _ := newTestServerQueue(t, 1)
	payload := map[string]any{
		"windowId": "w1", "service": "checkout", "isAnomaly": true, "category": "error",
	}

	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/signals/anomaly", payload)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, s.Handler(), http.MethodPost, "/v1/signals/anomaly", payload)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body struct {
		Accepted bool   `json:"accepted"`
		Reason   string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Accepted)
	assert.Equal(t, "queue_full", body.Reason)
}

func TestIngestRCA(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/signals/rca", map[string]any{
		"windowId":   "w1",
		"service":    "checkout",
		"confidence": 0.8,
		"rankedCauses": []map[string]any{
			{"service": "checkout", "cause": "cpu_saturation", "probability": 0.4},
		},
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestRecentSignals(t *testing.T) {
	s, _ := newTestServer(t)
	doJSON(t, s.Handler(), http.MethodPost, "/v1/signals/anomaly", map[string]any{
		"windowId": "w1", "service": "checkout", "isAnomaly": false, "category": "other",
	})

	rec := doJSON(t, s.Handler(), http.MethodGet, "/v1/signals/recent?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Anomalies []signal.Anomaly `json:"anomalies"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Anomalies, 1)
	assert.Equal(t, "w1", body.Anomalies[0].WindowID)
}

func TestDirectScale(t *testing.T) {
	s, fake := newTestServer(t)

	t.Run("applies and verifies", func(t *testing.T) {
		rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/k8s/scale/checkout", map[string]any{
			"replicas": 3,
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		dep, ok := fake.Get("smartops", "smartops-checkout")
		require.True(t, ok)
		assert.Equal(t, 3, dep.Replicas)
	})

	t.Run("guardrail block maps to 400 with reason code", func(t *testing.T) {
		rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/k8s/scale/payments", map[string]any{
			"replicas": 99,
		})
		require.Equal(t, http.StatusBadRequest, rec.Code)

		var body struct {
			Error string `json:"error"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, string(guardrail.ReasonReplicaCeiling), body.Error)
	})

	t.Run("unknown deployment maps to 502", func(t *testing.T) {
		rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/k8s/scale/ghost", map[string]any{
			"replicas": 3,
		})
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})
}

func TestDirectRestart(t *testing.T) {
	s, fake := newTestServer(t)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/k8s/restart/checkout", map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	dep, _ := fake.Get("smartops", "smartops-checkout")
	assert.Contains(t, dep.Annotations, cluster.RestartedAtAnnotation)
}

func TestDirectPatch(t *testing.T) {
	s, fake := newTestServer(t)

	t.Run("allowed shape passes", func(t *testing.T) {
		rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/k8s/patch/checkout", map[string]any{
			"patch": map[string]any{
				"metadata": map[string]any{
					"annotations": map[string]string{"team": "sre"},
				},
			},
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Len(t, fake.Patches("smartops", "smartops-checkout"), 1)
	})

	t.Run("unexpected fields rejected", func(t *testing.T) {
		rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/k8s/patch/payments", map[string]any{
			"patch": map[string]any{
				"spec": map[string]any{
					"containers": []string{"bad"},
				},
			},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "invalid_patch")
	})

	t.Run("missing document rejected", func(t *testing.T) {
		rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/k8s/patch/payments", map[string]any{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestListEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/v1/k8s/deployments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var deps struct {
		Deployments []cluster.Deployment `json:"deployments"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &deps))
	assert.Len(t, deps.Deployments, 2)

	rec = doJSON(t, s.Handler(), http.MethodGet, "/v1/k8s/pods?selector=app=smartops-checkout", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pods struct {
		Pods []cluster.Pod `json:"pods"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pods))
	assert.Len(t, pods.Pods, 2)
}

func TestVerifyEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/verify", map[string]any{
		"name":       "checkout",
		"minDesired": 2,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Result verify.Result `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, verify.StateSuccess, body.Result.State)
}

func TestLoopStatusEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/v1/loop/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Loop loop.Status `json:"loop"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1000, body.Loop.QueueCapacity)
}

func TestDeletePod(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s.Handler(), http.MethodDelete, "/v1/k8s/pods/smartops-checkout-0", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIngestRateLimit(t *testing.T) {
	s, _ := newTestServer(t)
	s.limiter = ratelimit.NewIngestLimiter(1, 2)
	handler := s.routes()

	payload := map[string]any{
		"windowId": "w1", "service": "checkout", "isAnomaly": false, "category": "other",
	}
	codes := make(map[int]int)
	for i := 0; i < 5; i++ {
		rec := doJSON(t, handler, http.MethodPost, "/v1/signals/anomaly", payload)
		codes[rec.Code]++
	}
	assert.Positive(t, codes[http.StatusTooManyRequests])
	assert.Positive(t, codes[http.StatusAccepted])
}
