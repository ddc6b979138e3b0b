package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/cors"

	"github.com/stacklab/arch-acceptor/results"
	"github.com/stacklab/arch-acceptor/tracker"
)

// APIServer exposes run history and the failure tracker over HTTP. It is
// the entry point for the automation that files and closes issues: after
// acting on a file-issue signal it posts the issue reference back here.
type APIServer struct {
	ctx    context.Context
	server *http.Server
	log    *slog.Logger

	runs *results.Store

	// trackerMu serializes tracker read-modify-write cycles against the
	// orchestration loop.
	trackerMu *sync.Mutex
	trackers  *tracker.Store
}

// NewAPIServer wires the stores behind the status API. trackerMu must be
// the same mutex the orchestration loop holds while applying runs.
func NewAPIServer(log *slog.Logger, runs *results.Store, trackers *tracker.Store, trackerMu *sync.Mutex) *APIServer {
	if log == nil {
		log = slog.Default()
	}
	if trackerMu == nil {
		trackerMu = &sync.Mutex{}
	}
	return &APIServer{
		log:       log,
		runs:      runs,
		trackers:  trackers,
		trackerMu: trackerMu,
	}
}

func (a *APIServer) Start(ctx context.Context, addr string) error {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
	})
	server := &http.Server{
		Handler: c.Handler(a.Routes()),
		Addr:    addr,
	}
	a.server = server
	a.ctx = ctx
	return a.server.ListenAndServe()
}

func (a *APIServer) Shutdown() error {
	return a.server.Shutdown(a.ctx)
}

// Routes builds the API router.
func (a *APIServer) Routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/runs", a.handleListRuns).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/runs/{run-id}", a.handleGetRun).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/tracker", a.handleTracker).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/tracker/{family}/issue", a.handleRecordIssue).Methods(http.MethodPost)
	return r
}

type apiError struct {
	Error string `json:"error"`
}

func (a *APIServer) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		a.log.Error("failed to marshal api response", "err", err)
		statusCode = http.StatusInternalServerError
		data = []byte(`{"error":"internal server error"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(data); err != nil {
		a.log.Error("failed to write api response", "err", err)
	}
}

func (a *APIServer) handleListRuns(w http.ResponseWriter, r *http.Request) {
	ids, err := a.runs.List()
	if err != nil {
		a.writeJSON(w, http.StatusInternalServerError, apiError{Error: err.Error()})
		return
	}
	a.writeJSON(w, http.StatusOK, map[string][]string{"runs": ids})
}

func (a *APIServer) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run-id"]

	if runID == "latest" {
		summary, err := a.runs.Latest()
		if err != nil {
			a.writeJSON(w, http.StatusInternalServerError, apiError{Error: err.Error()})
			return
		}
		if summary == nil {
			a.writeJSON(w, http.StatusNotFound, apiError{Error: "no completed runs"})
			return
		}
		a.writeJSON(w, http.StatusOK, summary)
		return
	}

	summary, err := a.runs.Load(runID)
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			a.writeJSON(w, http.StatusNotFound, apiError{Error: "unknown run " + runID})
			return
		}
		a.writeJSON(w, http.StatusInternalServerError, apiError{Error: err.Error()})
		return
	}
	a.writeJSON(w, http.StatusOK, summary)
}

func (a *APIServer) handleTracker(w http.ResponseWriter, r *http.Request) {
	a.trackerMu.Lock()
	state, err := a.trackers.Load()
	a.trackerMu.Unlock()
	if err != nil {
		a.writeJSON(w, http.StatusInternalServerError, apiError{Error: err.Error()})
		return
	}
	a.writeJSON(w, http.StatusOK, state)
}

type recordIssueRequest struct {
	IssueRef string `json:"issue_ref"`
}

func (a *APIServer) handleRecordIssue(w http.ResponseWriter, r *http.Request) {
	family := mux.Vars(r)["family"]

	var req recordIssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IssueRef == "" {
		a.writeJSON(w, http.StatusBadRequest, apiError{Error: "issue_ref is required"})
		return
	}

	a.trackerMu.Lock()
	defer a.trackerMu.Unlock()

	state, err := a.trackers.Load()
	if err != nil {
		a.writeJSON(w, http.StatusInternalServerError, apiError{Error: err.Error()})
		return
	}
	if !tracker.RecordIssue(state, family, req.IssueRef) {
		a.writeJSON(w, http.StatusNotFound, apiError{Error: "no tracked failures for " + family})
		return
	}
	if err := a.trackers.Save(state); err != nil {
		a.writeJSON(w, http.StatusInternalServerError, apiError{Error: err.Error()})
		return
	}

	a.log.Info("issue reference recorded", "family", family, "issue", req.IssueRef)
	a.writeJSON(w, http.StatusOK, state.Entries[family])
}
