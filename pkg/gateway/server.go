package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sheetbench/backend/pkg/chat"
	"github.com/sheetbench/backend/pkg/codeversion"
	"github.com/sheetbench/backend/pkg/export"
	"github.com/sheetbench/backend/pkg/runlock"
	"github.com/sheetbench/backend/pkg/runs"
	"github.com/sheetbench/backend/pkg/sandbox"
	"github.com/sheetbench/backend/pkg/workspace"
)

// Server wires every store and client behind the HTTP API.
type Server struct {
	workspace  *workspace.Manager
	versions   codeversion.Repository
	runs       runs.Repository
	chats      chat.Repository
	assistant  chat.Completer
	executor   *sandbox.Executor
	locker     runlock.Locker
	runTimeout time.Duration
	exportDest *export.Dest
}

type Options struct {
	Workspace  *workspace.Manager
	Versions   codeversion.Repository
	Runs       runs.Repository
	Chats      chat.Repository
	Assistant  chat.Completer
	Executor   *sandbox.Executor
	Locker     runlock.Locker
	RunTimeout time.Duration
	ExportDest *export.Dest
}

func NewServer(opts Options) *Server {
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = sandbox.DefaultTimeout
	}
	if opts.Locker == nil {
		opts.Locker = runlock.NewMemLocker()
	}
	return &Server{
		workspace:  opts.Workspace,
		versions:   opts.Versions,
		runs:       opts.Runs,
		chats:      opts.Chats,
		assistant:  opts.Assistant,
		executor:   opts.Executor,
		locker:     opts.Locker,
		runTimeout: opts.RunTimeout,
		exportDest: opts.ExportDest,
	}
}

// Routes builds the chi router. The streaming run endpoint carries no
// request timeout because it holds the response open for the whole
// execution.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Route("/tools", func(r chi.Router) {
			r.Get("/", s.handleListTools)
			r.Post("/", s.handleCreateTool)

			r.Route("/{toolID}", func(r chi.Router) {
				r.Get("/", s.handleGetTool)
				r.Patch("/", s.handleRenameTool)
				r.Delete("/", s.handleDeleteTool)

				r.Post("/files", s.handleUploadFiles)
				r.Delete("/files/{filename}", s.handleDeleteFile)

				r.Get("/variations", s.handleListVariations)
				r.Post("/variations", s.handleCreateVariation)

				r.Route("/code", func(r chi.Router) {
					r.Get("/", s.handleCurrentVersion)
					r.Get("/versions", s.handleListVersions)
					r.Get("/versions/{version}", s.handleGetVersion)
					r.Post("/versions", s.handleCreateVersion)
					r.Post("/revert", s.handleRevertVersion)
				})

				r.Post("/chat", s.handleChat)
				r.Post("/eval-chat", s.handleEvalChat)
				r.Route("/chat/history", func(r chi.Router) {
					r.Get("/", s.handleChatHistory(chat.ScopeAssistant))
					r.Put("/", s.handleReplaceChatHistory(chat.ScopeAssistant))
					r.Delete("/", s.handleClearChatHistory(chat.ScopeAssistant))
				})
				r.Route("/eval-chat/history", func(r chi.Router) {
					r.Get("/", s.handleChatHistory(chat.ScopeEval))
					r.Put("/", s.handleReplaceChatHistory(chat.ScopeEval))
					r.Delete("/", s.handleClearChatHistory(chat.ScopeEval))
				})

				r.Route("/runs", func(r chi.Router) {
					r.Post("/stream", s.handleRunStream)
					r.Post("/", s.handleRun)
					r.Get("/", s.handleListRuns)
					r.Get("/{runID}", s.handleGetRun)
					r.Delete("/{runID}", s.handleDeleteRun)
					r.Get("/{runID}/file", s.handleDownloadRunFile)
					r.Post("/{runID}/export", s.handleExportRun)
				})
			})
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, map[string]string{
		"status":  "ok",
		"message": "tool builder API is running",
	}, http.StatusOK)
}

func respondJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, map[string]string{"error": message}, status)
}

func decodeBody(r *http.Request, into any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(into)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,PUT,DELETE,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
