package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	internal_http "github.com/dkrstev/promptflow/internal/http"
	"github.com/dkrstev/promptflow/internal/log"
	"github.com/dkrstev/promptflow/pkg/enhance"
	"github.com/dkrstev/promptflow/pkg/models"
	"github.com/dkrstev/promptflow/pkg/service"
	"github.com/dkrstev/promptflow/pkg/storage"
	"github.com/stretchr/testify/assert"
)

// fakeModel answers each pipeline step with canned JSON.
type fakeModel struct{}

func (fakeModel) Complete(ctx context.Context, req enhance.Request) (string, error) {
	content := req.Messages[len(req.Messages)-1].Content
	switch {
	case strings.Contains(content, "Analyze this prompt"):
		return `{"intent":"draft email","weaknesses":["no recipient"],"strengths":[],"missing_context":true}`, nil
	case strings.Contains(content, "Select the enhancement technique"):
		return `{"technique":"Role-Prompting","reasoning":"adds missing context","suggested_role":"assistant"}`, nil
	default:
		return `{"enhanced_prompt":"You are an assistant. Write an email...","changelog":"added role and recipient context"}`, nil
	}
}

func TestServer(t *testing.T) {
	newServer := func(t *testing.T) (*httptest.Server, *service.PipelineService, storage.Store) {
		store := storage.NewMemoryStore()
		svc := service.NewPipelineService(context.Background(), store, enhance.Steps(fakeModel{}), log.GetLogger())
		mux := http.NewServeMux()
		mux.HandleFunc("/health", internal_http.HealthHandler)
		mux.HandleFunc("/runs", internal_http.RunsHandler(svc))
		mux.HandleFunc("/runs/", internal_http.RunByIDHandler(svc))
		srv := httptest.NewServer(mux)
		t.Cleanup(srv.Close)
		return srv, svc, store
	}

	postJSON := func(t *testing.T, srv *httptest.Server, path string, payload string) *http.Response {
		req, err := http.NewRequest("POST", srv.URL+path, bytes.NewBufferString(payload))
		assert.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		resp, err := srv.Client().Do(req)
		assert.NoError(t, err)
		return resp
	}

	t.Run("HealthCheck", func(t *testing.T) {
		srv, _, _ := newServer(t)
		resp, err := srv.Client().Get(srv.URL + "/health")
		assert.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, "PromptFlow server is running", string(body))
	})

	t.Run("SubmitAndPollRun", func(t *testing.T) {
		srv, svc, _ := newServer(t)
		resp := postJSON(t, srv, "/runs", `{"prompt": "write an email"}`)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)

		var created struct {
			ID string `json:"id"`
		}
		assert.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
		assert.NotEmpty(t, created.ID)

		svc.Wait()

		resp, err := srv.Client().Get(srv.URL + "/runs/" + created.ID)
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var snap service.Snapshot
		assert.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
		assert.Equal(t, models.SucceededRunStatus, snap.Status)

		var result enhance.Result
		assert.NoError(t, json.Unmarshal(snap.Result, &result))
		assert.Equal(t, "write an email", result.Original)
		assert.Equal(t, "Role-Prompting", result.TechniqueUsed)
		assert.Equal(t, "added role and recipient context", result.Changelog)
	})

	t.Run("SubmitWithCallerID", func(t *testing.T) {
		srv, svc, _ := newServer(t)
		resp := postJSON(t, srv, "/runs", `{"id": "my-run", "prompt": "write an email"}`)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)

		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, `{"id":"my-run"}`+"\n", string(body))
		svc.Wait()
	})

	t.Run("SubmitMissingPrompt", func(t *testing.T) {
		srv, _, store := newServer(t)
		resp := postJSON(t, srv, "/runs", `{"prompt": ""}`)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, `{"error":"Missing 'prompt' field"}`+"\n", string(body))

		// no run was created
		runs, err := store.ListRuns()
		assert.NoError(t, err)
		assert.Empty(t, runs)
	})

	t.Run("SubmitMalformedBody", func(t *testing.T) {
		srv, _, _ := newServer(t)
		resp := postJSON(t, srv, "/runs", `{not json`)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("StatusUnknownRun", func(t *testing.T) {
		srv, _, _ := newServer(t)
		resp, err := srv.Client().Get(srv.URL + "/runs/nope")
		assert.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, `{"error":"Run not found"}`+"\n", string(body))
	})

	t.Run("ListRuns", func(t *testing.T) {
		srv, svc, _ := newServer(t)

		resp, err := srv.Client().Get(srv.URL + "/runs")
		assert.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, "[]\n", string(body))

		resp = postJSON(t, srv, "/runs", `{"prompt": "write an email"}`)
		resp.Body.Close()
		svc.Wait()

		resp, err = srv.Client().Get(srv.URL + "/runs")
		assert.NoError(t, err)
		defer resp.Body.Close()
		var snaps []service.Snapshot
		assert.NoError(t, json.NewDecoder(resp.Body).Decode(&snaps))
		assert.Len(t, snaps, 1)
	})

	t.Run("CancelFinishedRun", func(t *testing.T) {
		srv, svc, _ := newServer(t)
		resp := postJSON(t, srv, "/runs", `{"id": "done-run", "prompt": "write an email"}`)
		resp.Body.Close()
		svc.Wait()

		resp = postJSON(t, srv, "/runs/done-run/cancel", "")
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("MethodNotAllowed", func(t *testing.T) {
		srv, _, _ := newServer(t)
		req, err := http.NewRequest("DELETE", srv.URL+"/runs", nil)
		assert.NoError(t, err)
		resp, err := srv.Client().Do(req)
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}
