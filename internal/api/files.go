package api

import (
	"errors"
	"net/http"
	"path"
	"strconv"

	"go.uber.org/zap"

	"github.com/vdust/partage/internal/events"
	"github.com/vdust/partage/internal/logging"
	"github.com/vdust/partage/internal/share"
	"github.com/vdust/partage/internal/trash"
)

// ─── File Handlers ──────────────────────────────────────────────────────────

func resourcePath(r *http.Request) string {
	return path.Join(r.PathValue("folder"), r.PathValue("path"))
}

func queryBool(r *http.Request, key string) bool {
	ok, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return ok
}

// resolve returns the resource for the request path. With write set, the
// user needs write access on the folder.
func (s *Server) resolve(r *http.Request, write bool) (*share.Resource, error) {
	user := userFrom(r.Context())
	res, err := s.mgr.Resource(user, resourcePath(r))
	if err != nil {
		return nil, err
	}
	if write && !res.Folder().CanWrite(user) {
		res.Unref()
		return nil, share.Forbidden("write", res.Path())
	}
	return res, nil
}

// handleGetResource lists a directory or downloads a file. With ?meta=1 a
// file's metadata is returned instead of its content.
func (s *Server) handleGetResource(w http.ResponseWriter, r *http.Request) {
	res, err := s.resolve(r, false)
	if err != nil {
		s.sendError(w, err, 0)
		return
	}
	defer res.Unref()

	st, err := res.Stat(r.Context())
	if err != nil {
		s.sendError(w, err, 0)
		return
	}

	if st.IsDir() {
		listing, err := res.Scan(r.Context())
		if err != nil {
			s.sendError(w, err, 0)
			return
		}
		s.writeJSON(w, http.StatusOK, ResourceResponse{Path: res.Path(), Name: res.Name(), Stats: st, Listing: &listing})
		return
	}
	if queryBool(r, "meta") {
		s.writeJSON(w, http.StatusOK, ResourceResponse{Path: res.Path(), Name: res.Name(), Stats: st})
		return
	}

	f, st, err := res.Open(r.Context())
	if err != nil {
		s.sendError(w, err, 0)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", st.Mime)
	http.ServeContent(w, r, res.Name(), st.Mtime, f)
}

// handleUpload replaces a file's content with the request body.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	res, err := s.resolve(r, true)
	if err != nil {
		s.sendError(w, err, 0)
		return
	}
	defer res.Unref()

	_, statErr := res.Stat(r.Context())
	created := share.IsKind(statErr, share.KindNotFound)

	body := r.Body
	if s.maxUploadSize > 0 {
		body = http.MaxBytesReader(w, r.Body, s.maxUploadSize)
	}
	st, err := res.Write(r.Context(), body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.sendError(w, err, http.StatusRequestEntityTooLarge)
			return
		}
		s.sendError(w, err, 0)
		return
	}

	user := userFrom(r.Context())
	eventType, status := events.EventModify, http.StatusOK
	if created {
		eventType, status = events.EventCreate, http.StatusCreated
	}
	s.mgr.Events().Publish(events.Event{Type: eventType, Folder: res.Folder().Name(), Path: res.Path(), User: user.Name})
	logging.WithContext(r.Context()).Info("file written", zap.String("path", res.Path()), zap.Int64("size", st.Size), zap.String("user", user.Name))
	s.writeJSON(w, status, ResourceResponse{Path: res.Path(), Name: res.Name(), Stats: st})
}

// handleMkdir creates a directory. ?parents=1 creates missing parents and
// ?strict=1 fails when the directory exists.
func (s *Server) handleMkdir(w http.ResponseWriter, r *http.Request) {
	res, err := s.resolve(r, true)
	if err != nil {
		s.sendError(w, err, 0)
		return
	}
	defer res.Unref()

	st, err := res.Mkdir(r.Context(), share.MkdirOptions{
		Parents: queryBool(r, "parents"),
		Strict:  queryBool(r, "strict"),
	})
	if err != nil {
		s.sendError(w, err, 0)
		return
	}
	user := userFrom(r.Context())
	s.mgr.Events().Publish(events.Event{Type: events.EventMkdir, Folder: res.Folder().Name(), Path: res.Path(), User: user.Name})
	s.writeJSON(w, http.StatusCreated, ResourceResponse{Path: res.Path(), Name: res.Name(), Stats: st})
}

// handleTrashResource moves a file or directory to the trash.
func (s *Server) handleTrashResource(w http.ResponseWriter, r *http.Request) {
	res, err := s.resolve(r, false)
	if err != nil {
		s.sendError(w, err, 0)
		return
	}
	if res.IsRoot() {
		res.Unref()
		s.handleDeleteFolder(w, r)
		return
	}
	defer res.Unref()

	it, err := s.mgr.Trash().Trash(r.Context(), userFrom(r.Context()), res, trash.TrashOptions{})
	if err != nil {
		s.sendError(w, err, 0)
		return
	}
	s.writeJSON(w, http.StatusOK, it)
}
