package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sheetbench/backend/pkg/chat"
	"github.com/sheetbench/backend/pkg/codeversion"
	"github.com/sheetbench/backend/pkg/workspace"
)

func (s *Server) handleCurrentVersion(w http.ResponseWriter, r *http.Request) {
	toolID := chi.URLParam(r, "toolID")
	if _, err := s.workspace.Repo().Get(r.Context(), toolID); err != nil {
		respondWorkspaceError(w, err)
		return
	}
	detail, err := s.versions.EnsureCurrent(r.Context(), toolID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, detail, http.StatusOK)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	toolID := chi.URLParam(r, "toolID")
	if _, err := s.workspace.Repo().Get(r.Context(), toolID); err != nil {
		respondWorkspaceError(w, err)
		return
	}
	if _, err := s.versions.EnsureCurrent(r.Context(), toolID); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 200 {
			respondError(w, http.StatusBadRequest, "limit must be between 1 and 200")
			return
		}
		limit = parsed
	}

	summaries, err := s.versions.List(r.Context(), toolID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, summaries, http.StatusOK)
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	toolID := chi.URLParam(r, "toolID")
	if _, err := s.workspace.Repo().Get(r.Context(), toolID); err != nil {
		respondWorkspaceError(w, err)
		return
	}
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "version must be an integer")
		return
	}
	detail, err := s.versions.Get(r.Context(), toolID, version)
	if err != nil {
		if errors.Is(err, codeversion.ErrNotFound) {
			respondError(w, http.StatusNotFound, "code version not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, detail, http.StatusOK)
}

type versionUpdateRequest struct {
	Code          string                        `json:"code"`
	PipPackages   []string                      `json:"pip_packages"`
	Note          string                        `json:"note"`
	Params        []codeversion.ParamSpec       `json:"params"`
	RequiredFiles []codeversion.FileRequirement `json:"required_files"`
}

type versionUpdateResponse struct {
	Version     *codeversion.Detail `json:"version"`
	ChatMessage string              `json:"chat_message"`
}

func (s *Server) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	toolID := chi.URLParam(r, "toolID")
	if _, err := s.workspace.Repo().Get(r.Context(), toolID); err != nil {
		respondWorkspaceError(w, err)
		return
	}

	var req versionUpdateRequest
	if err := decodeBody(r, &req); err != nil || strings.TrimSpace(req.Code) == "" {
		respondError(w, http.StatusBadRequest, "code is required")
		return
	}
	note := req.Note
	if note == "" {
		note = "Manual update"
	}

	detail, err := s.versions.Create(r.Context(), toolID, codeversion.CreateRequest{
		Code:          req.Code,
		PipPackages:   req.PipPackages,
		Author:        "user",
		Note:          note,
		Params:        req.Params,
		RequiredFiles: req.RequiredFiles,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	message := codeversion.Message("User", "saved a manual code update", detail, 0)
	s.appendTranscript(r, toolID, chat.ScopeAssistant, chat.StoredMessage{Role: "assistant", Content: message})
	respondJSON(w, versionUpdateResponse{Version: detail, ChatMessage: message}, http.StatusOK)
}

func (s *Server) handleRevertVersion(w http.ResponseWriter, r *http.Request) {
	toolID := chi.URLParam(r, "toolID")
	if _, err := s.workspace.Repo().Get(r.Context(), toolID); err != nil {
		respondWorkspaceError(w, err)
		return
	}

	var req struct {
		Version int    `json:"version"`
		Note    string `json:"note"`
	}
	if err := decodeBody(r, &req); err != nil || req.Version < 1 {
		respondError(w, http.StatusBadRequest, "version is required")
		return
	}

	base, err := s.versions.Get(r.Context(), toolID, req.Version)
	if err != nil {
		if errors.Is(err, codeversion.ErrNotFound) {
			respondError(w, http.StatusNotFound, "code version not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	note := req.Note
	if note == "" {
		note = fmt.Sprintf("Revert to version %d", req.Version)
	}
	detail, err := s.versions.Create(r.Context(), toolID, codeversion.CreateRequest{
		Code:          base.Code,
		PipPackages:   base.PipPackages,
		Author:        "user",
		Note:          note,
		OriginRunID:   base.OriginRunID,
		Params:        base.Params,
		RequiredFiles: base.RequiredFiles,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	message := codeversion.Message("User", fmt.Sprintf("reverted the code to version %d", req.Version), detail, req.Version)
	s.appendTranscript(r, toolID, chat.ScopeAssistant, chat.StoredMessage{Role: "assistant", Content: message})
	respondJSON(w, versionUpdateResponse{Version: detail, ChatMessage: message}, http.StatusOK)
}

type chatRequest struct {
	Messages     []chat.StoredMessage `json:"messages"`
	Model        string               `json:"model"`
	FolderPrefix string               `json:"folder_prefix"`
}

type chatResponse struct {
	Message       chat.StoredMessage            `json:"message"`
	Code          *string                       `json:"code"`
	PipPackages   []string                      `json:"pip_packages"`
	Usage         *chat.Usage                   `json:"usage,omitempty"`
	Raw           string                        `json:"raw,omitempty"`
	Version       int                           `json:"version"`
	Params        []codeversion.ParamSpec       `json:"params"`
	RequiredFiles []codeversion.FileRequirement `json:"required_files"`
}

// handleChat relays the conversation to the assistant, then turns any
// tagged code sections in the reply into a fresh code version.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	toolID := chi.URLParam(r, "toolID")
	if _, err := s.workspace.Repo().Get(r.Context(), toolID); err != nil {
		respondWorkspaceError(w, err)
		return
	}

	var req chatRequest
	if err := decodeBody(r, &req); err != nil || len(req.Messages) == 0 {
		respondError(w, http.StatusBadRequest, "messages are required")
		return
	}
	if _, err := workspace.NormalizePrefix(req.FolderPrefix); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("unsupported folder prefix %q", req.FolderPrefix))
		return
	}

	completion, err := s.assistant.Complete(r.Context(), req.Model, chat.SystemPrompt, req.Messages)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	reply := chat.ParseReply(completion.Text)

	current, err := s.versions.EnsureCurrent(r.Context(), toolID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	targetCode := current.Code
	if reply.Code != nil && strings.TrimSpace(*reply.Code) != "" {
		targetCode = strings.TrimSpace(*reply.Code)
	}
	targetPip := current.PipPackages
	if len(reply.PipPackages) > 0 || reply.Code != nil {
		targetPip = reply.PipPackages
	}
	targetParams := current.Params
	if reply.ParamsPresent {
		targetParams = reply.Params
	}
	targetFiles := current.RequiredFiles
	if reply.FilesPresent {
		targetFiles = reply.Files
	}

	changed := targetCode != current.Code ||
		!equalJSON(targetPip, current.PipPackages) ||
		!equalJSON(targetParams, current.Params) ||
		!equalJSON(targetFiles, current.RequiredFiles)

	detail := current
	if changed {
		detail, err = s.versions.Create(r.Context(), toolID, codeversion.CreateRequest{
			Code:          targetCode,
			PipPackages:   targetPip,
			Author:        "assistant",
			Note:          "Assistant update",
			Params:        targetParams,
			RequiredFiles: targetFiles,
		})
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	finalText := reply.DisplayText
	if finalText == "" {
		finalText = summarizeChange(changed, targetCode != current.Code, !equalJSON(targetPip, current.PipPackages))
	}
	if changed {
		finalText = fmt.Sprintf("%s (version %d)", finalText, detail.Version)
	}

	assistantMessage := chat.StoredMessage{Role: "assistant", Content: finalText}
	s.replaceTranscript(r, toolID, chat.ScopeAssistant, append(req.Messages, assistantMessage))

	var codeOut *string
	if changed || reply.Code != nil {
		code := detail.Code
		codeOut = &code
	}
	respondJSON(w, chatResponse{
		Message:       assistantMessage,
		Code:          codeOut,
		PipPackages:   detail.PipPackages,
		Usage:         completion.Usage,
		Raw:           completion.Text,
		Version:       detail.Version,
		Params:        detail.Params,
		RequiredFiles: detail.RequiredFiles,
	}, http.StatusOK)
}

func (s *Server) handleEvalChat(w http.ResponseWriter, r *http.Request) {
	toolID := chi.URLParam(r, "toolID")
	if _, err := s.workspace.Repo().Get(r.Context(), toolID); err != nil {
		respondWorkspaceError(w, err)
		return
	}

	var req chatRequest
	if err := decodeBody(r, &req); err != nil || len(req.Messages) == 0 {
		respondError(w, http.StatusBadRequest, "messages are required")
		return
	}

	completion, err := s.assistant.Complete(r.Context(), req.Model, chat.EvalPrompt, req.Messages)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}

	reply := chat.ParseReply(completion.Text)
	assistantMessage := chat.StoredMessage{Role: "assistant", Content: reply.DisplayText}
	s.replaceTranscript(r, toolID, chat.ScopeEval, append(req.Messages, assistantMessage))

	respondJSON(w, map[string]any{
		"message": assistantMessage,
		"usage":   completion.Usage,
		"raw":     completion.Text,
		"files":   reply.Files,
	}, http.StatusOK)
}

func (s *Server) handleChatHistory(scope chat.Scope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		toolID := chi.URLParam(r, "toolID")
		if _, err := s.workspace.Repo().Get(r.Context(), toolID); err != nil {
			respondWorkspaceError(w, err)
			return
		}
		messages, err := s.chats.History(r.Context(), toolID, scope)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respondJSON(w, messages, http.StatusOK)
	}
}

func (s *Server) handleReplaceChatHistory(scope chat.Scope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		toolID := chi.URLParam(r, "toolID")
		if _, err := s.workspace.Repo().Get(r.Context(), toolID); err != nil {
			respondWorkspaceError(w, err)
			return
		}
		var req struct {
			Messages []chat.StoredMessage `json:"messages"`
		}
		if err := decodeBody(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := s.chats.Replace(r.Context(), toolID, scope, req.Messages); err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respondJSON(w, req.Messages, http.StatusOK)
	}
}

func (s *Server) handleClearChatHistory(scope chat.Scope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		toolID := chi.URLParam(r, "toolID")
		if _, err := s.workspace.Repo().Get(r.Context(), toolID); err != nil {
			respondWorkspaceError(w, err)
			return
		}
		if err := s.chats.Clear(r.Context(), toolID, scope); err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) appendTranscript(r *http.Request, toolID string, scope chat.Scope, message chat.StoredMessage) {
	history, err := s.chats.History(r.Context(), toolID, scope)
	if err != nil {
		return
	}
	_ = s.chats.Replace(r.Context(), toolID, scope, append(history, message))
}

func (s *Server) replaceTranscript(r *http.Request, toolID string, scope chat.Scope, messages []chat.StoredMessage) {
	_ = s.chats.Replace(r.Context(), toolID, scope, messages)
}

func summarizeChange(changed, codeChanged, pipChanged bool) string {
	switch {
	case codeChanged && pipChanged:
		return "Updated the sandbox module and pip requirements."
	case codeChanged:
		return "Updated the sandbox module."
	case pipChanged:
		return "Updated pip requirements."
	case changed:
		return "Updated sandbox metadata."
	default:
		return "No changes were proposed."
	}
}

func equalJSON(a, b any) bool {
	if reflect.ValueOf(a).Len() == 0 && reflect.ValueOf(b).Len() == 0 {
		return true
	}
	rawA, errA := json.Marshal(a)
	rawB, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(rawA) == string(rawB)
}
