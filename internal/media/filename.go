package media

import (
	"net/url"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/samvad-hq/samvad-article-sync/internal/slug"
)

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".jpe": true, ".png": true, ".gif": true,
	".webp": true, ".avif": true, ".bmp": true, ".svg": true, ".ico": true,
	".tif": true, ".tiff": true, ".heic": true,
}

// ExtensionFromURL returns the lowercased extension of the URL path, ignoring
// any query or fragment. Unknown or missing extensions yield "".
func ExtensionFromURL(raw string) string {
	p := raw
	if u, err := url.Parse(raw); err == nil {
		p = u.Path
	} else if i := strings.IndexAny(raw, "?#"); i >= 0 {
		p = raw[:i]
	}
	ext := strings.ToLower(path.Ext(p))
	if !imageExtensions[ext] {
		return ""
	}
	return ext
}

// BaseFromURL returns the last path segment of the URL without its extension.
func BaseFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "/" || base == "." {
		return ""
	}
	return strings.TrimSuffix(base, path.Ext(base))
}

// ResolveName picks a sanitized base name and extension for a stored image.
// The title wins over the URL segment; the URL extension wins over the sniffed one.
func ResolveName(title, remoteURL string, mt *mimetype.MIME) (base, ext string) {
	base = slug.Make(title)
	if base == "" {
		base = slug.Or(BaseFromURL(remoteURL), "image")
	}
	ext = ExtensionFromURL(remoteURL)
	if ext == "" && mt != nil {
		ext = mt.Extension()
	}
	if ext == "" {
		ext = ".bin"
	}
	return base, ext
}
