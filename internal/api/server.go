// Package api provides the HTTP server and handlers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/vdust/partage/internal/events"
	"github.com/vdust/partage/internal/logging"
	"github.com/vdust/partage/internal/manager"
	"github.com/vdust/partage/internal/metrics"
	"github.com/vdust/partage/internal/share"
)

// DefaultUserHeader carries the user name set by the authenticating proxy.
const DefaultUserHeader = "X-Remote-User"

type contextKey string

const userKey contextKey = "user"

// Options tunes the server.
type Options struct {
	UserHeader    string
	MaxUploadSize int64
}

// Server is the HTTP server.
type Server struct {
	mgr           *manager.Manager
	userHeader    string
	maxUploadSize int64
}

// NewServer creates a new server.
func NewServer(mgr *manager.Manager, opts Options) *Server {
	if opts.UserHeader == "" {
		opts.UserHeader = DefaultUserHeader
	}
	return &Server{
		mgr:           mgr,
		userHeader:    opts.UserHeader,
		maxUploadSize: opts.MaxUploadSize,
	}
}

// Handler returns the HTTP handler with identity, logging and metrics
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints
	mux.Handle("GET /health", metrics.Middleware(http.HandlerFunc(s.handleHealth)))

	// Protected endpoints
	protected := http.NewServeMux()

	// SSE endpoint
	protected.HandleFunc("GET /api/v1/events", s.handleEvents)

	// Folders
	protected.HandleFunc("GET /api/v1/folders", s.handleListFolders)
	protected.HandleFunc("POST /api/v1/folders", s.handleCreateFolder)
	protected.HandleFunc("GET /api/v1/folders/{folder}", s.handleGetFolder)
	protected.HandleFunc("PATCH /api/v1/folders/{folder}", s.handleConfigureFolder)
	protected.HandleFunc("PUT /api/v1/folders/{folder}", s.handleConfigureFolder)
	protected.HandleFunc("DELETE /api/v1/folders/{folder}", s.handleDeleteFolder)
	protected.HandleFunc("POST /api/v1/folders/{folder}/rename", s.handleRenameFolder)

	// Files
	protected.HandleFunc("GET /api/v1/files/{folder}", s.handleGetResource)
	protected.HandleFunc("GET /api/v1/files/{folder}/{path...}", s.handleGetResource)
	protected.HandleFunc("PUT /api/v1/files/{folder}/{path...}", s.handleUpload)
	protected.HandleFunc("POST /api/v1/files/{folder}/{path...}", s.handleMkdir)
	protected.HandleFunc("DELETE /api/v1/files/{folder}", s.handleTrashResource)
	protected.HandleFunc("DELETE /api/v1/files/{folder}/{path...}", s.handleTrashResource)

	// Trash
	protected.HandleFunc("GET /api/v1/trash", s.handleTrashList)
	protected.HandleFunc("DELETE /api/v1/trash", s.handleTrashEmpty)
	protected.HandleFunc("DELETE /api/v1/trash/{uid}", s.handleTrashRemove)
	protected.HandleFunc("POST /api/v1/trash/{uid}/restore", s.handleTrashRestore)

	// Metrics must see the same request the matching mux stamps with
	// its pattern, so they wrap inside every WithContext copy.
	mux.Handle("/api/v1/", s.identify(metrics.Middleware(protected)))

	return logging.Middleware(mux)
}

// identify resolves the proxy-authenticated user. Requests without one are
// rejected.
func (s *Server) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := s.mgr.User(r.Header.Get(s.userHeader))
		if user == nil {
			s.sendError(w, &share.Error{Kind: share.KindForbidden, Code: "unauthenticated", Op: "identify"}, http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), userKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFrom(ctx context.Context) *share.User {
	u, _ := ctx.Value(userKey).(*share.User)
	return u
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"folders": s.mgr.Len(),
	})
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, share.Internal("events", "", errors.New("streaming not supported")), 0)
		return
	}

	user := userFrom(r.Context())
	sub := s.mgr.Events().Subscribe(func(e events.Event) bool { return s.canSee(user, e) })
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			if err := events.WriteSSE(w, event); err != nil {
				logging.WithContext(ctx).Debug("event stream closed", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

// canSee filters the feed: folder-less events go to everyone, the others
// to users who can read the folder (under its new name for renames).
// Admins see everything.
func (s *Server) canSee(user *share.User, event events.Event) bool {
	if user.Is(share.LevelAdmin) || event.Folder == "" {
		return true
	}
	f := s.mgr.Lookup(event.Folder)
	if f == nil && event.Type == events.EventFolderRename {
		f = s.mgr.Lookup(event.NewPath)
	}
	return f != nil && f.CanRead(user)
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("response encoding failed", zap.Error(err))
	}
}

// sendError writes err as an ErrorResponse. A zero status picks the one
// matching the error kind.
func (s *Server) sendError(w http.ResponseWriter, err error, status int) {
	if status == 0 {
		status = share.Status(err)
	}
	code := share.CodeOf(err)
	if status >= http.StatusInternalServerError {
		logging.Error("request failed", zap.Int("status", status), zap.String("code", code), zap.Error(err))
	}
	s.writeJSON(w, status, ErrorResponse{
		Error:  err.Error(),
		Code:   code,
		Status: status,
	})
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return share.Invalid("decode", r.URL.Path, "invalid request body: %v", err)
	}
	return nil
}
