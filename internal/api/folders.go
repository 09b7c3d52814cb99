package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/vdust/partage/internal/logging"
	"github.com/vdust/partage/internal/share"
)

// ─── Folder Handlers ────────────────────────────────────────────────────────

func folderInfo(f *share.Folder, user *share.User) FolderInfo {
	cfg := f.Config()
	info := FolderInfo{
		Name:   f.Name(),
		Access: f.Access(user),
	}
	if cfg.Description != nil {
		info.Description = *cfg.Description
	}
	if user.Is(share.LevelAdmin) {
		info.Access = share.AccessRW
		info.AccessList = cfg.AccessList
		info.Tasks = cfg.Tasks
	}
	return info
}

func (s *Server) handleListFolders(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	folders := s.mgr.Folders(user)
	resp := make([]FolderInfo, 0, len(folders))
	for _, f := range folders {
		resp = append(resp, folderInfo(f, user))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetFolder(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	f, err := s.mgr.Folder(user, r.PathValue("folder"))
	if err != nil {
		s.sendError(w, err, 0)
		return
	}
	st, err := f.Stat(r.Context())
	if err != nil {
		s.sendError(w, err, 0)
		return
	}
	info := folderInfo(f, user)
	info.Stats = &st
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	var req CreateFolderRequest
	if err := decode(r, &req); err != nil {
		s.sendError(w, err, 0)
		return
	}
	f, err := s.mgr.CreateFolder(r.Context(), user, req.Name, req.Config)
	if err != nil {
		s.sendError(w, err, 0)
		return
	}
	s.writeJSON(w, http.StatusCreated, folderInfo(f, user))
}

// handleConfigureFolder updates the folder config. PUT replaces it, PATCH
// only changes the fields present in the body.
func (s *Server) handleConfigureFolder(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	name := r.PathValue("folder")
	var cfg share.Config
	if err := decode(r, &cfg); err != nil {
		s.sendError(w, err, 0)
		return
	}
	if _, err := s.mgr.ConfigureFolder(r.Context(), user, name, cfg, r.Method == http.MethodPut); err != nil {
		s.sendError(w, err, 0)
		return
	}
	f, err := s.mgr.Folder(user, name)
	if err != nil {
		s.sendError(w, err, 0)
		return
	}
	s.writeJSON(w, http.StatusOK, folderInfo(f, user))
}

func (s *Server) handleRenameFolder(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	var req RenameFolderRequest
	if err := decode(r, &req); err != nil {
		s.sendError(w, err, 0)
		return
	}
	f, err := s.mgr.RenameFolder(r.Context(), user, r.PathValue("folder"), req.Name)
	if err != nil {
		s.sendError(w, err, 0)
		return
	}
	logging.WithContext(r.Context()).Info("folder renamed via api", zap.String("from", r.PathValue("folder")), zap.String("to", f.Name()))
	s.writeJSON(w, http.StatusOK, folderInfo(f, user))
}

func (s *Server) handleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	it, err := s.mgr.DeleteFolder(r.Context(), userFrom(r.Context()), r.PathValue("folder"))
	if err != nil {
		s.sendError(w, err, 0)
		return
	}
	s.writeJSON(w, http.StatusOK, it)
}
