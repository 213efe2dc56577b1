package http

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/dkrstev/promptflow/internal/log"
	"github.com/dkrstev/promptflow/pkg/enhance"
	"github.com/dkrstev/promptflow/pkg/service"
)

// StartServer wires the handlers and serves on the given port.
func StartServer(port string, svc *service.PipelineService) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", HealthHandler)
	mux.HandleFunc("/runs", RunsHandler(svc))
	mux.HandleFunc("/runs/", RunByIDHandler(svc))

	log.GetLogger().Infof("Starting PromptFlow server on :%s", port)
	return http.ListenAndServe(":"+port, mux)
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("PromptFlow server is running"))
}

// RunsHandler serves POST /runs (submission) and GET /runs (listing).
func RunsHandler(svc *service.PipelineService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			submitRunHTTP(w, r, svc)
		case http.MethodGet:
			listRunsHTTP(w, r, svc)
		default:
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	}
}

// RunByIDHandler serves GET /runs/{id} (status) and POST /runs/{id}/cancel.
func RunByIDHandler(svc *service.PipelineService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/runs/")
		switch {
		case r.Method == http.MethodGet && !strings.Contains(rest, "/"):
			getRunHTTP(w, svc, rest)
		case r.Method == http.MethodPost && strings.HasSuffix(rest, "/cancel"):
			cancelRunHTTP(w, svc, strings.TrimSuffix(rest, "/cancel"))
		default:
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	}
}

type submitRequest struct {
	ID     string `json:"id,omitempty"`
	Prompt string `json:"prompt"`
}

func submitRunHTTP(w http.ResponseWriter, r *http.Request, svc *service.PipelineService) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.GetLogger().Errorf("Malformed body in POST /runs: %v", err)
		writeError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if req.Prompt == "" {
		log.GetLogger().Error("Missing 'prompt' field in POST /runs")
		writeError(w, http.StatusBadRequest, "Missing 'prompt' field")
		return
	}

	input, err := json.Marshal(enhance.Input{Prompt: req.Prompt})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to encode input")
		return
	}
	id, err := svc.Submit(req.ID, input)
	if err != nil {
		log.GetLogger().Errorf("Failed to submit run: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to submit run: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"id": id})
}

func listRunsHTTP(w http.ResponseWriter, _ *http.Request, svc *service.PipelineService) {
	w.Header().Set("Content-Type", "application/json")
	snaps := svc.ListRuns()
	if snaps == nil {
		snaps = []service.Snapshot{}
	}
	json.NewEncoder(w).Encode(snaps)
}

func getRunHTTP(w http.ResponseWriter, svc *service.PipelineService, id string) {
	snap, ok := svc.GetRun(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Run not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

func cancelRunHTTP(w http.ResponseWriter, svc *service.PipelineService, id string) {
	if !svc.Cancel(id) {
		writeError(w, http.StatusNotFound, "Run not found or already finished")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"id": id, "message": "Cancellation requested"})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
