// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianScribe/services/llm"
	"github.com/AleutianAI/AleutianScribe/services/scribe/datatypes"
	"github.com/AleutianAI/AleutianScribe/services/scribe/engine"
	"github.com/AleutianAI/AleutianScribe/services/scribe/events"
	"github.com/AleutianAI/AleutianScribe/services/scribe/research"
	"github.com/AleutianAI/AleutianScribe/services/scribe/routes"
	"github.com/AleutianAI/AleutianScribe/services/scribe/store"
)

type stubGenerator struct{}

func (stubGenerator) Generate(ctx context.Context, task llm.TaskType, prompt string, params llm.GenerationParams) (llm.GenerationResult, error) {
	return llm.GenerationResult{Text: "ok"}, nil
}

type stubResearcher struct{}

func (stubResearcher) Search(ctx context.Context, topic string, queries []string, scope research.Scope) ([]datatypes.Source, datatypes.DedupStats, error) {
	return nil, datatypes.DedupStats{RetentionRate: 1}, nil
}

func (stubResearcher) Merge(ctx context.Context, topic string, batches ...[]datatypes.Source) ([]datatypes.Source, datatypes.DedupStats, error) {
	return nil, datatypes.DedupStats{RetentionRate: 1}, nil
}

type testServer struct {
	router  *gin.Engine
	jobs    *store.JobStore
	gateway *llm.Gateway
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := store.Open(store.InMemoryConfig())
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	jobs := store.NewJobStore(db)
	eng, err := engine.New(engine.DefaultConfig(), engine.Dependencies{
		Jobs:        jobs,
		Checkpoints: store.NewCheckpointStore(db, 0),
		DeadLetters: store.NewDeadLetterStore(db, 0),
		Queue:       store.NewQueue(db, time.Minute),
		Generator:   stubGenerator{},
		Researcher:  stubResearcher{},
	})
	if err != nil {
		t.Fatalf("Failed to build engine: %v", err)
	}

	gateway := llm.NewGateway(llm.GatewayConfig{
		Breaker: llm.BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour},
	})

	router := gin.New()
	routes.SetupRoutes(router, eng, jobs, store.NewDeadLetterStore(db, 0), gateway, events.NewHub())
	return &testServer{router: router, jobs: jobs, gateway: gateway}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	w := ts.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Status = %d, want 200", w.Code)
	}
}

func TestCreateJob(t *testing.T) {
	ts := setupTestServer(t)

	t.Run("valid submission", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
			"topic":   "the raft consensus algorithm",
			"options": map[string]any{"audience": "expert"},
		})
		if w.Code != http.StatusAccepted {
			t.Fatalf("Status = %d, want 202: %s", w.Code, w.Body.String())
		}
		var job datatypes.Job
		if err := json.Unmarshal(w.Body.Bytes(), &job); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if job.ID == "" {
			t.Error("Response job has no id")
		}
		if job.Status != datatypes.JobStatusPending {
			t.Errorf("Status = %s, want PENDING", job.Status)
		}
	})

	t.Run("missing topic", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{"options": map[string]any{}})
		if w.Code != http.StatusBadRequest {
			t.Errorf("Status = %d, want 400", w.Code)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewBufferString("{not json"))
		w := httptest.NewRecorder()
		ts.router.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("Status = %d, want 400", w.Code)
		}
	})
}

func TestGetJob(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{"topic": "the raft consensus algorithm"})
	var created datatypes.Job
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("Failed to decode created job: %v", err)
	}

	t.Run("existing job", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/api/v1/jobs/"+created.ID, nil)
		if w.Code != http.StatusOK {
			t.Errorf("Status = %d, want 200", w.Code)
		}
	})

	t.Run("unknown job", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/api/v1/jobs/no-such-id", nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("Status = %d, want 404", w.Code)
		}
	})
}

func TestListJobs(t *testing.T) {
	ts := setupTestServer(t)
	ts.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{"topic": "first topic of interest"})
	ts.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{"topic": "second topic of interest"})

	w := ts.do(t, http.MethodGet, "/api/v1/jobs", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}
	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Count != 2 {
		t.Errorf("Count = %d, want 2", resp.Count)
	}
}

func TestGetDocument(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{"topic": "the raft consensus algorithm"})
	var created datatypes.Job
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("Failed to decode created job: %v", err)
	}

	t.Run("not completed yet", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/api/v1/jobs/"+created.ID+"/document", nil)
		if w.Code != http.StatusConflict {
			t.Errorf("Status = %d, want 409", w.Code)
		}
	})

	t.Run("completed job", func(t *testing.T) {
		job, err := ts.jobs.Get(context.Background(), created.ID)
		if err != nil {
			t.Fatalf("Failed to load job: %v", err)
		}
		out, err := datatypes.NewStageOutput(datatypes.StageOutputText, datatypes.TextPayload{Text: "# final document"})
		if err != nil {
			t.Fatalf("Failed to build output: %v", err)
		}
		job.Status = datatypes.JobStatusCompleted
		job.StageOutputs[engine.StageFinalize] = out
		if err := ts.jobs.Update(context.Background(), job); err != nil {
			t.Fatalf("Failed to update job: %v", err)
		}

		w := ts.do(t, http.MethodGet, "/api/v1/jobs/"+created.ID+"/document", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("Status = %d, want 200: %s", w.Code, w.Body.String())
		}
		var resp struct {
			Document string `json:"document"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if resp.Document != "# final document" {
			t.Errorf("Document = %q", resp.Document)
		}
	})
}

func TestCancelJob(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{"topic": "the raft consensus algorithm"})
	var created datatypes.Job
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("Failed to decode created job: %v", err)
	}

	t.Run("first cancel succeeds", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/v1/jobs/"+created.ID+"/cancel", nil)
		if w.Code != http.StatusOK {
			t.Errorf("Status = %d, want 200: %s", w.Code, w.Body.String())
		}
	})

	t.Run("second cancel conflicts", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/v1/jobs/"+created.ID+"/cancel", nil)
		if w.Code != http.StatusConflict {
			t.Errorf("Status = %d, want 409", w.Code)
		}
	})

	t.Run("unknown job", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/v1/jobs/no-such-id/cancel", nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("Status = %d, want 404", w.Code)
		}
	})
}

func TestDeadLetterEndpoints(t *testing.T) {
	ts := setupTestServer(t)

	t.Run("empty list", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/api/v1/deadletters", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("Status = %d, want 200", w.Code)
		}
		var resp struct {
			Count int `json:"count"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if resp.Count != 0 {
			t.Errorf("Count = %d, want 0", resp.Count)
		}
	})

	t.Run("bad since filter", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/api/v1/deadletters?since=yesterday", nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("Status = %d, want 400", w.Code)
		}
	})

	t.Run("stats", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/api/v1/deadletters/stats", nil)
		if w.Code != http.StatusOK {
			t.Errorf("Status = %d, want 200", w.Code)
		}
	})

	t.Run("retry unknown entry", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/v1/deadletters/no-such-id/retry", nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("Status = %d, want 404", w.Code)
		}
	})
}

func TestBreakerEndpoints(t *testing.T) {
	ts := setupTestServer(t)

	t.Run("healthy when all closed", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/api/v1/health/breakers", nil)
		if w.Code != http.StatusOK {
			t.Errorf("Status = %d, want 200", w.Code)
		}
	})

	t.Run("degraded when a breaker is open", func(t *testing.T) {
		ts.gateway.Breakers().Get("anthropic").RecordFailure()

		w := ts.do(t, http.MethodGet, "/api/v1/health/breakers", nil)
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("Status = %d, want 503", w.Code)
		}
	})

	t.Run("reset restores health", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/v1/health/breakers/anthropic/reset", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("Status = %d, want 200", w.Code)
		}
		w = ts.do(t, http.MethodGet, "/api/v1/health/breakers", nil)
		if w.Code != http.StatusOK {
			t.Errorf("Status = %d, want 200 after reset", w.Code)
		}
	})
}
