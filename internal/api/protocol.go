package api

import (
	"github.com/vdust/partage/internal/share"
	"github.com/vdust/partage/internal/trash"
)

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Status int    `json:"status"`
}

// FolderInfo describes a shared folder as seen by the requesting user.
type FolderInfo struct {
	Name        string           `json:"name"`
	Access      share.Access     `json:"access"`
	Description string           `json:"description"`
	AccessList  share.AccessList `json:"accessList,omitempty"`
	Tasks       map[string]any   `json:"tasks,omitempty"`
	Stats       *share.Stats     `json:"stats,omitempty"`
}

// CreateFolderRequest is the body of POST /api/v1/folders.
type CreateFolderRequest struct {
	Name string `json:"name"`
	share.Config
}

// RenameFolderRequest is the body of POST /api/v1/folders/{folder}/rename.
type RenameFolderRequest struct {
	Name string `json:"name"`
}

// ResourceResponse is returned for folder resources and file metadata.
type ResourceResponse struct {
	Path    string         `json:"path"`
	Name    string         `json:"name"`
	Stats   share.Stats    `json:"stats"`
	Listing *share.Listing `json:"listing,omitempty"`
}

// TrashListResponse is returned by GET /api/v1/trash.
type TrashListResponse struct {
	Items []trash.Item `json:"items"`
}

// TrashEmptyResponse is returned by DELETE /api/v1/trash.
type TrashEmptyResponse struct {
	Removed int `json:"removed"`
}

// RestoreRequest is the body of POST /api/v1/trash/{uid}/restore. All
// fields are optional.
type RestoreRequest struct {
	Path    string `json:"path,omitempty"`
	Rename  *bool  `json:"rename,omitempty"`
	Replace bool   `json:"replace,omitempty"`
	Parents bool   `json:"parents,omitempty"`
}
