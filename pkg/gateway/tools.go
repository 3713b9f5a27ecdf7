package gateway

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sheetbench/backend/pkg/workspace"
)

const maxUploadBytes = 64 << 20

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	tools, err := s.workspace.Repo().List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, tools, http.StatusOK)
}

func (s *Server) handleCreateTool(w http.ResponseWriter, r *http.Request) {
	tool, err := s.workspace.CreateTool(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// A tool is usable immediately, so its first code version exists from
	// the moment it is created.
	if _, err := s.versions.EnsureCurrent(r.Context(), tool.ID); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, tool, http.StatusCreated)
}

func (s *Server) handleGetTool(w http.ResponseWriter, r *http.Request) {
	detail, err := s.workspace.GetToolDetail(r.Context(), chi.URLParam(r, "toolID"))
	if err != nil {
		respondWorkspaceError(w, err)
		return
	}
	respondJSON(w, detail, http.StatusOK)
}

func (s *Server) handleRenameTool(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tool, err := s.workspace.RenameTool(r.Context(), chi.URLParam(r, "toolID"), payload.Name)
	if err != nil {
		respondWorkspaceError(w, err)
		return
	}
	respondJSON(w, tool, http.StatusOK)
}

func (s *Server) handleDeleteTool(w http.ResponseWriter, r *http.Request) {
	if err := s.workspace.DeleteTool(r.Context(), chi.URLParam(r, "toolID")); err != nil {
		respondWorkspaceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUploadFiles(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		respondError(w, http.StatusBadRequest, "invalid multipart request")
		return
	}
	form := r.MultipartForm
	defer form.RemoveAll()

	uploads := []workspace.Upload{}
	for _, header := range form.File["files"] {
		file, err := header.Open()
		if err != nil {
			respondError(w, http.StatusBadRequest, "unreadable upload")
			return
		}
		data, err := io.ReadAll(file)
		file.Close()
		if err != nil {
			respondError(w, http.StatusBadRequest, "unreadable upload")
			return
		}
		uploads = append(uploads, workspace.Upload{Name: header.Filename, Data: data})
	}
	if len(uploads) == 0 {
		respondError(w, http.StatusBadRequest, "no files provided")
		return
	}

	saved, err := s.workspace.UploadFiles(r.Context(), chi.URLParam(r, "toolID"), uploads)
	if err != nil {
		respondWorkspaceError(w, err)
		return
	}
	respondJSON(w, saved, http.StatusOK)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	err := s.workspace.DeleteFile(r.Context(), chi.URLParam(r, "toolID"), chi.URLParam(r, "filename"))
	if err != nil {
		respondWorkspaceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListVariations(w http.ResponseWriter, r *http.Request) {
	variations, err := s.workspace.ListVariations(r.Context(), chi.URLParam(r, "toolID"))
	if err != nil {
		respondWorkspaceError(w, err)
		return
	}
	respondJSON(w, variations, http.StatusOK)
}

func (s *Server) handleCreateVariation(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Label string `json:"label"`
	}
	if err := decodeBody(r, &payload); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	variation, err := s.workspace.CreateVariation(r.Context(), chi.URLParam(r, "toolID"), payload.Label)
	if err != nil {
		respondWorkspaceError(w, err)
		return
	}
	respondJSON(w, variation, http.StatusCreated)
}

func respondWorkspaceError(w http.ResponseWriter, err error) {
	var unsupported *workspace.UnsupportedTypeError
	var invalid *workspace.InvalidContentError
	switch {
	case errors.Is(err, workspace.ErrToolNotFound):
		respondError(w, http.StatusNotFound, "tool not found")
	case errors.Is(err, workspace.ErrFileNotFound):
		respondError(w, http.StatusNotFound, "file not found")
	case errors.Is(err, workspace.ErrVariationNotFound):
		respondError(w, http.StatusNotFound, "variation not found")
	case errors.Is(err, workspace.ErrInvalidPrefix),
		errors.Is(err, workspace.ErrInvalidFilename),
		errors.Is(err, workspace.ErrEmptyFile),
		errors.Is(err, workspace.ErrEmptyToolName),
		errors.As(err, &unsupported),
		errors.As(err, &invalid):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}
