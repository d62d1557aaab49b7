package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/altum-labs/probanza/pkg/engine"
	"github.com/altum-labs/probanza/pkg/exception"
	"github.com/altum-labs/probanza/pkg/ledger"
	"github.com/altum-labs/probanza/pkg/project"
)

func runServer(stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := buildServices(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "probanza: %v\n", err)
		return 1
	}
	defer svc.Close()

	mux := http.NewServeMux()
	registerRoutes(mux, svc)

	srv := &http.Server{
		Addr:              ":" + svc.Config.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("probanza listening", "port", svc.Config.Port)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(stderr, "probanza: %v\n", err)
			return 1
		}
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	return 0
}

func registerRoutes(mux *http.ServeMux, svc *Services) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("/v1/projects", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		handleCreateProject(w, r, svc)
	})

	mux.HandleFunc("/v1/projects/", func(w http.ResponseWriter, r *http.Request) {
		id, action, ok := splitProjectPath(r.URL.Path)
		if !ok {
			http.NotFound(w, r)
			return
		}

		switch {
		case action == "evidence" && r.Method == http.MethodPost:
			handleSubmitEvidence(w, r, svc, id)
		case action == "advance" && r.Method == http.MethodPost:
			handleAdvance(w, r, svc, id)
		case action == "status" && r.Method == http.MethodGet:
			handleStatus(w, r, svc, id)
		case action == "defense" && r.Method == http.MethodGet:
			handleCompileDefense(w, r, svc, id)
		case action == "exception" && r.Method == http.MethodPost:
			handleRequestException(w, r, svc, id)
		case action == "reopen" && r.Method == http.MethodPost:
			handleReopen(w, r, svc, id)
		case action == "" && r.Method == http.MethodGet:
			handleGetProject(w, r, svc, id)
		default:
			http.NotFound(w, r)
		}
	})
}

// splitProjectPath parses /v1/projects/{id}[/{action}].
func splitProjectPath(path string) (id, action string, ok bool) {
	rest := strings.TrimPrefix(path, "/v1/projects/")
	if rest == path || rest == "" {
		return "", "", false
	}
	parts := strings.SplitN(rest, "/", 2)
	id = parts[0]
	if len(parts) == 2 {
		action = parts[1]
	}
	return id, action, true
}

func handleCreateProject(w http.ResponseWriter, r *http.Request, svc *Services) {
	var req struct {
		Name      string  `json:"name"`
		AmountEUR float64 `json:"amount_eur"`
		Typology  string  `json:"typology"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	p, err := svc.Engine.CreateProject(r.Context(), req.Name, req.AmountEUR, req.Typology, actor(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func handleGetProject(w http.ResponseWriter, r *http.Request, svc *Services, id string) {
	p, err := svc.Engine.GetProject(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func handleSubmitEvidence(w http.ResponseWriter, r *http.Request, svc *Services, id string) {
	var req struct {
		Phase      string `json:"phase"`
		Kind       string `json:"kind"`
		ContentRef string `json:"content_ref"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Phase == "" || req.Kind == "" {
		http.Error(w, "phase and kind are required", http.StatusBadRequest)
		return
	}

	ref, err := svc.Engine.SubmitEvidence(r.Context(), id, req.Phase, req.Kind, req.ContentRef, actor(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ref)
}

func handleAdvance(w http.ResponseWriter, r *http.Request, svc *Services, id string) {
	d, err := svc.Engine.Advance(r.Context(), id, actor(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	// BLOCK is an expected outcome, not an error.
	writeJSON(w, http.StatusOK, d)
}

func handleStatus(w http.ResponseWriter, r *http.Request, svc *Services, id string) {
	snap, err := svc.Engine.GetStatus(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func handleCompileDefense(w http.ResponseWriter, r *http.Request, svc *Services, id string) {
	file, data, err := svc.Compiler.Compile(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	if r.URL.Query().Get("archive") == "true" {
		if _, err := svc.Archive.Put(r.Context(), id, file.ChainHead, data); err != nil {
			writeEngineError(w, err)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func handleRequestException(w http.ResponseWriter, r *http.Request, svc *Services, id string) {
	var req struct {
		Justification string `json:"justification"`
		Approver      string `json:"approver"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	exc, err := svc.Engine.RequestException(r.Context(), id, req.Justification, req.Approver)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, exc)
}

func handleReopen(w http.ResponseWriter, r *http.Request, svc *Services, id string) {
	var req struct {
		ToPhase       string `json:"to_phase"`
		Justification string `json:"justification"`
		Approver      string `json:"approver"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	p, err := svc.Engine.Reopen(r.Context(), id, req.ToPhase, req.Justification, req.Approver)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// actor resolves the acting identity from the request. The service sits
// behind an authenticating proxy; the header is trusted as-is.
func actor(r *http.Request) string {
	if v := r.Header.Get("X-Actor"); v != "" {
		return v
	}
	return "anonymous"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response", "error", err)
	}
}

// writeEngineError maps domain errors onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, project.ErrNotFound), errors.Is(err, ledger.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidPhaseSkip),
		errors.Is(err, engine.ErrNotBackward),
		errors.Is(err, engine.ErrProjectTerminal):
		status = http.StatusConflict
	case errors.Is(err, exception.ErrInvalidApprover):
		status = http.StatusForbidden
	case errors.Is(err, ledger.ErrIntegrity):
		// Unrecoverable audit failure. Surface loudly.
		status = http.StatusInternalServerError
		slog.Error("ledger integrity violation", "error", err)
	}
	http.Error(w, err.Error(), status)
}
