package api

import (
	"net/http"

	"github.com/vdust/partage/internal/trash"
)

// ─── Trash Handlers ─────────────────────────────────────────────────────────

func (s *Server) handleTrashList(w http.ResponseWriter, r *http.Request) {
	items, err := s.mgr.Trash().Scan(r.Context(), userFrom(r.Context()))
	if err != nil {
		s.sendError(w, err, 0)
		return
	}
	if items == nil {
		items = []trash.Item{}
	}
	s.writeJSON(w, http.StatusOK, TrashListResponse{Items: items})
}

func (s *Server) handleTrashEmpty(w http.ResponseWriter, r *http.Request) {
	n, err := s.mgr.Trash().Empty(r.Context(), userFrom(r.Context()))
	if err != nil {
		s.sendError(w, err, 0)
		return
	}
	s.writeJSON(w, http.StatusOK, TrashEmptyResponse{Removed: n})
}

func (s *Server) handleTrashRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Trash().Remove(r.Context(), userFrom(r.Context()), r.PathValue("uid")); err != nil {
		s.sendError(w, err, 0)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTrashRestore(w http.ResponseWriter, r *http.Request) {
	var req RestoreRequest
	if err := decode(r, &req); err != nil {
		s.sendError(w, err, 0)
		return
	}
	res, err := s.mgr.Trash().Restore(r.Context(), userFrom(r.Context()), r.PathValue("uid"), trash.RestoreOptions{
		Path:    req.Path,
		Rename:  req.Rename,
		Replace: req.Replace,
		Parents: req.Parents,
	})
	if err != nil {
		s.sendError(w, err, 0)
		return
	}
	if res.Resource != nil {
		res.Resource.Unref()
	}
	s.writeJSON(w, http.StatusOK, res)
}
