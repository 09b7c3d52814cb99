package share

import (
	"path"
	"strings"
)

// SanitizeName validates a shared folder name: a single visible path
// segment with surrounding spaces removed.
func SanitizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return "", Invalid("name", name, "empty folder name")
	case strings.ContainsAny(name, "/\\\x00"):
		return "", Invalid("name", name, "folder name contains a separator")
	case strings.HasPrefix(name, "."):
		return "", Invalid("name", name, "folder name is hidden")
	}
	return name, nil
}

// NormalizePath cleans a path relative to a folder root. The root itself
// is ".". Paths may not escape the root or name hidden entries.
func NormalizePath(p string) (string, error) {
	if strings.ContainsRune(p, '\x00') {
		return "", Invalid("path", p, "path contains a NUL byte")
	}
	clean := strings.TrimPrefix(path.Clean("/"+p), "/")
	if clean == "" {
		return ".", nil
	}
	for _, seg := range strings.Split(clean, "/") {
		if strings.HasPrefix(seg, ".") {
			return "", Invalid("path", p, "path names a hidden entry")
		}
	}
	return clean, nil
}

// SplitPath splits a '/'-joined path into its first segment and the rest,
// "." when there is none.
func SplitPath(p string) (head, rest string) {
	p = strings.Trim(p, "/")
	head, rest, _ = strings.Cut(p, "/")
	if rest == "" {
		rest = "."
	}
	return head, rest
}
