package trash

import (
	"encoding/base64"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/vdust/partage/internal/share"
)

const (
	kindDir  = 'd'
	kindFile = 'f'
)

var (
	toURL   = strings.NewReplacer("/", "_", "+", "-")
	fromURL = strings.NewReplacer("_", "/", "-", "+")
)

// ID is the decoded content of a trash uid.
type ID struct {
	Dir  bool
	Time time.Time
	// Path is the folder name joined with the path inside the folder.
	Path string
}

// Encode builds the trash entry name for a resource: the plaintext
// "<d|f>|<base36 ms>:<path>" in standard base64 with '/' and '+' swapped
// for '_' and '-'.
func Encode(dir bool, ts time.Time, relpath string) string {
	kind := kindFile
	if dir {
		kind = kindDir
	}
	plain := string(rune(kind)) + "|" + strconv.FormatInt(ts.UnixMilli(), 36) + ":" + relpath
	return toURL.Replace(base64.StdEncoding.EncodeToString([]byte(plain)))
}

// Decode parses a trash uid. The uid is valid only if it encodes back to
// exactly the same string.
func Decode(uid string) (ID, error) {
	raw, err := base64.StdEncoding.DecodeString(fromURL.Replace(uid))
	if err != nil {
		return ID{}, share.Invalid("decode", uid, "not base64: %w", err)
	}
	plain := string(raw)

	head, p, ok := strings.Cut(plain, ":")
	if !ok || len(head) < 3 || head[1] != '|' {
		return ID{}, share.Invalid("decode", uid, "malformed header")
	}

	var id ID
	switch head[0] {
	case kindDir:
		id.Dir = true
	case kindFile:
	default:
		return ID{}, share.Invalid("decode", uid, "unknown kind %q", head[0])
	}

	ms, err := strconv.ParseInt(head[2:], 36, 64)
	if err != nil || ms < 0 {
		return ID{}, share.Invalid("decode", uid, "bad timestamp %q", head[2:])
	}
	id.Time = time.UnixMilli(ms)

	if p == "" || p == "." || path.Base(p) == "" || strings.HasSuffix(p, "/") {
		return ID{}, share.Invalid("decode", uid, "empty name")
	}
	if clean, err := share.NormalizePath(p); err != nil || clean != p {
		return ID{}, share.Invalid("decode", uid, "bad path %q", p)
	}
	id.Path = p

	if Encode(id.Dir, id.Time, id.Path) != uid {
		return ID{}, share.Invalid("decode", uid, "not canonical")
	}
	return id, nil
}

// Valid reports whether uid decodes.
func Valid(uid string) bool {
	_, err := Decode(uid)
	return err == nil
}

func (id ID) String() string {
	return fmt.Sprintf("%s@%d", id.Path, id.Time.UnixMilli())
}
