package share

import (
	"io/fs"
	"mime"
	"path"
	"sort"
	"strings"
	"time"
)

// Type is the kind of a filesystem entry.
type Type string

const (
	TypeFile   Type = "file"
	TypeFolder Type = "folder"
)

const defaultMime = "application/octet-stream"

// Stats is an immutable snapshot of a resource's metadata.
type Stats struct {
	Mtime time.Time `json:"mtime" yaml:"mtime"`
	Type  Type      `json:"type" yaml:"type"`
	Mime  string    `json:"mime,omitempty" yaml:"mime,omitempty"`
	Size  int64     `json:"size,omitempty" yaml:"size,omitempty"`
}

// IsDir reports whether the stats describe a folder.
func (s Stats) IsDir() bool { return s.Type == TypeFolder }

// MimeType guesses a content type from a file name.
func MimeType(name string) string {
	if t := mime.TypeByExtension(strings.ToLower(path.Ext(name))); t != "" {
		return t
	}
	return defaultMime
}

func statsFromInfo(name string, fi fs.FileInfo) Stats {
	if fi.IsDir() {
		return Stats{Mtime: fi.ModTime(), Type: TypeFolder}
	}
	return Stats{
		Mtime: fi.ModTime(),
		Type:  TypeFile,
		Mime:  MimeType(name),
		Size:  fi.Size(),
	}
}

// Entry is a child summary in a directory listing.
type Entry struct {
	Name string `json:"name" yaml:"name"`
	Stats
}

// Listing is the result of scanning a folder resource.
type Listing struct {
	Dirs  []Entry `json:"dirs" yaml:"dirs"`
	Files []Entry `json:"files" yaml:"files"`
}

// LessName orders names case-insensitively, then case-sensitively.
func LessName(a, b string) bool {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	if la != lb {
		return la < lb
	}
	return a < b
}

func sortEntries(es []Entry) {
	sort.Slice(es, func(i, j int) bool { return LessName(es[i].Name, es[j].Name) })
}
