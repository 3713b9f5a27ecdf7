package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sheetbench/backend/pkg/codeversion"
	"github.com/sheetbench/backend/pkg/export"
	"github.com/sheetbench/backend/pkg/runlock"
	"github.com/sheetbench/backend/pkg/runs"
	"github.com/sheetbench/backend/pkg/sandbox"
	"github.com/sheetbench/backend/pkg/stream"
	"github.com/sheetbench/backend/pkg/workspace"
)

// runError is a failure raised before the sandbox produced a result.
type runError struct {
	status  int
	message string
	detail  *stream.ValidationDetail
}

func (e *runError) frame() stream.Frame {
	if e.detail != nil {
		return stream.ErrorFrame(e.status, e.detail)
	}
	return stream.ErrorFrameMessage(e.status, e.message)
}

// handleRunStream executes a run while relaying progress as
// newline-delimited JSON. The response status is always 200; failures
// arrive as error frames so the consumer sees exactly one terminal
// frame. Cancelling the request tears the sandbox down.
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	w.Header().Set("Content-Type", "application/jsonlines")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	encoder := stream.NewEncoder(w)
	sink := func(lines []string) {
		_ = encoder.Encode(stream.LogFrame(lines))
	}

	result, runErr := s.executeRun(r.Context(), chi.URLParam(r, "toolID"), req, sink)
	if runErr != nil {
		_ = encoder.Encode(runErr.frame())
		return
	}
	_ = encoder.Encode(stream.ResultFrame(result))
}

// handleRun is the synchronous variant: same pipeline, one JSON body.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, runErr := s.executeRun(r.Context(), chi.URLParam(r, "toolID"), req, nil)
	if runErr != nil {
		if runErr.detail != nil {
			respondJSON(w, map[string]any{"detail": runErr.detail}, runErr.status)
			return
		}
		respondError(w, runErr.status, runErr.message)
		return
	}
	respondJSON(w, result, http.StatusOK)
}

func (s *Server) executeRun(ctx context.Context, toolID string, req RunRequest, sink sandbox.LogSink) (*stream.ResultData, *runError) {
	prefix, err := workspace.NormalizePrefix(req.FolderPrefix)
	if err != nil {
		return nil, &runError{status: http.StatusBadRequest, message: fmt.Sprintf("unsupported folder prefix %q", req.FolderPrefix)}
	}
	if _, err := s.workspace.Repo().Get(ctx, toolID); err != nil {
		return nil, s.lookupError(err)
	}

	detail, err := s.resolveVersion(ctx, toolID, req.CodeVersion)
	if err != nil {
		if errors.Is(err, codeversion.ErrNotFound) {
			return nil, &runError{status: http.StatusNotFound, message: "code version not found"}
		}
		return nil, &runError{status: http.StatusInternalServerError, message: err.Error()}
	}

	code := detail.Code
	if req.Code != nil {
		if strings.TrimSpace(*req.Code) == "" {
			return nil, &runError{status: http.StatusUnprocessableEntity, message: "code must not be empty"}
		}
		code = *req.Code
	}

	storageDir, err := s.workspace.StorageRoot(toolID, prefix)
	if err != nil {
		if errors.Is(err, workspace.ErrVariationNotFound) {
			return nil, &runError{status: http.StatusNotFound, message: "variation not found"}
		}
		return nil, &runError{status: http.StatusBadRequest, message: err.Error()}
	}

	if invalid := validateRun(detail, req.Params, storageDir); invalid != nil {
		return nil, &runError{status: http.StatusUnprocessableEntity, detail: invalid}
	}

	release, err := s.locker.Acquire(ctx, toolID)
	if err != nil {
		if errors.Is(err, runlock.ErrRunInFlight) {
			return nil, &runError{status: http.StatusConflict, message: err.Error()}
		}
		return nil, &runError{status: http.StatusInternalServerError, message: err.Error()}
	}
	defer release()

	inputs, err := s.workspace.InputFiles(toolID, prefix)
	if err != nil {
		return nil, &runError{status: http.StatusInternalServerError, message: err.Error()}
	}

	packages := mergePackages(detail.PipPackages, req.PipPackages)

	execCtx, span := otel.Tracer("gateway").Start(ctx, "run.execute")
	span.SetAttributes(
		attribute.String("tool.id", toolID),
		attribute.Int("code.version", detail.Version),
	)
	execResult, err := s.executor.Execute(execCtx, sandbox.ExecRequest{
		Code:          code,
		Params:        req.Params,
		PipPackages:   packages,
		AllowInternet: req.AllowInternet,
		InputFiles:    inputs,
	}, sandbox.ExecOptions{
		Sink:    sink,
		Timeout: s.runTimeout,
	})
	span.End()
	if err != nil {
		// Provisioning failures are persisted like any other failed run so
		// they show up in history.
		execResult = &sandbox.ExecResult{
			OK:    false,
			Logs:  []string{},
			Files: []stream.FileInfo{},
			Error: fmt.Sprintf("Failed to provision sandbox: %v", err),
		}
	}

	// Persist even when the client has gone away; the run happened.
	saved, err := s.runs.Save(context.WithoutCancel(ctx), runs.SaveRequest{
		ToolID:        toolID,
		CodeVersion:   detail.Version,
		FolderPrefix:  prefix,
		OK:            execResult.OK,
		SandboxID:     execResult.SandboxID,
		Error:         execResult.Error,
		Code:          code,
		Params:        req.Params,
		PipPackages:   packages,
		AllowInternet: req.AllowInternet,
		Logs:          execResult.Logs,
		Files:         runFilesFromStream(execResult.Files),
		Artifacts:     runArtifacts(execResult.Artifacts),
	})
	if err != nil {
		log.Printf("persist run for tool %s: %v", toolID, err)
		return nil, &runError{status: http.StatusInternalServerError, message: "failed to persist run"}
	}

	result := &stream.ResultData{
		OK:          execResult.OK,
		SandboxID:   execResult.SandboxID,
		Logs:        execResult.Logs,
		Files:       execResult.Files,
		RunID:       &saved.ID,
		CodeVersion: &detail.Version,
	}
	if execResult.Error != "" {
		msg := execResult.Error
		result.Error = &msg
	}
	return result, nil
}

func (s *Server) resolveVersion(ctx context.Context, toolID string, requested *int) (*codeversion.Detail, error) {
	current, err := s.versions.EnsureCurrent(ctx, toolID)
	if err != nil {
		return nil, err
	}
	if requested != nil && *requested != current.Version {
		return s.versions.Get(ctx, toolID, *requested)
	}
	return current, nil
}

func (s *Server) lookupError(err error) *runError {
	if errors.Is(err, workspace.ErrToolNotFound) {
		return &runError{status: http.StatusNotFound, message: "tool not found"}
	}
	return &runError{status: http.StatusInternalServerError, message: err.Error()}
}

func mergePackages(base, extra []string) []string {
	merged := []string{}
	seen := map[string]bool{}
	for _, pkg := range append(append([]string{}, base...), extra...) {
		if pkg == "" || seen[pkg] {
			continue
		}
		seen[pkg] = true
		merged = append(merged, pkg)
	}
	return merged
}

func runFilesFromStream(files []stream.FileInfo) []runs.RunFile {
	out := make([]runs.RunFile, 0, len(files))
	for _, file := range files {
		out = append(out, runs.RunFile{
			Path:      file.Path,
			SizeBytes: file.SizeBytes,
			Preview:   file.Preview,
		})
	}
	return out
}

func runArtifacts(artifacts []sandbox.Artifact) []runs.Artifact {
	out := make([]runs.Artifact, 0, len(artifacts))
	for _, artifact := range artifacts {
		out = append(out, runs.Artifact{Path: artifact.SandboxPath, Data: artifact.Data})
	}
	return out
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	toolID := chi.URLParam(r, "toolID")
	if _, err := s.workspace.Repo().Get(r.Context(), toolID); err != nil {
		respondWorkspaceError(w, err)
		return
	}

	prefix := r.URL.Query().Get("folder_prefix")
	if prefix != "" {
		normalized, err := workspace.NormalizePrefix(prefix)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("unsupported folder prefix %q", prefix))
			return
		}
		prefix = normalized
	}

	summaries, err := s.runs.List(r.Context(), toolID, prefix)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, summaries, http.StatusOK)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	detail, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	// Records written before code was captured on the run fall back to the
	// version store's copy.
	if detail.Code == "" {
		if version, err := s.versions.Get(r.Context(), detail.ToolID, detail.CodeVersion); err == nil {
			detail.Code = version.Code
		}
	}
	respondJSON(w, detail, http.StatusOK)
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	detail, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	if err := s.runs.Delete(r.Context(), detail.ID); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDownloadRunFile(w http.ResponseWriter, r *http.Request) {
	detail, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		respondError(w, http.StatusBadRequest, "path query parameter is required")
		return
	}
	local, err := s.runs.ResolveFile(r.Context(), detail.ID, path)
	if err != nil {
		switch {
		case errors.Is(err, runs.ErrFileNotFound):
			respondError(w, http.StatusNotFound, "file not found")
		case errors.Is(err, runs.ErrInvalidPath):
			respondError(w, http.StatusBadRequest, "invalid file path")
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeFile(w, r, local)
}

func (s *Server) handleExportRun(w http.ResponseWriter, r *http.Request) {
	detail, ok := s.lookupRun(w, r)
	if !ok {
		return
	}

	dest := export.Dest{}
	if s.exportDest != nil {
		dest = *s.exportDest
	}
	var override export.Dest
	if err := decodeBody(r, &override); err == nil && override.Host != "" {
		dest = override
	}
	if dest.Host == "" {
		respondError(w, http.StatusBadRequest, "export destination is not configured")
		return
	}

	exporter := export.NewExporter(dest)
	pushed, err := exporter.Run(detail.ID, s.runs.Dir(detail.ID))
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, map[string]any{
		"run_id":   detail.ID,
		"host":     dest.Host,
		"exported": pushed,
	}, http.StatusOK)
}

// lookupRun resolves {runID} under {toolID}, writing the error response
// itself when the run is missing or belongs to another tool.
func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request) (*runs.Detail, bool) {
	toolID := chi.URLParam(r, "toolID")
	if _, err := s.workspace.Repo().Get(r.Context(), toolID); err != nil {
		respondWorkspaceError(w, err)
		return nil, false
	}
	detail, err := s.runs.Get(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		if errors.Is(err, runs.ErrNotFound) {
			respondError(w, http.StatusNotFound, "run not found")
			return nil, false
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if detail.ToolID != toolID {
		respondError(w, http.StatusNotFound, "run not found")
		return nil, false
	}
	return detail, true
}
