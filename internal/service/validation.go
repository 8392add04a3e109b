package service

import (
	"fmt"
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// ExtensionPolicy decides which file extensions may be uploaded.
type ExtensionPolicy interface {
	IsAllowedExtension(ext string) bool
}

// DefaultExtensions is the stock attachment allow-list of the host CMS.
var DefaultExtensions = []string{
	"gif", "jpg", "jpeg", "png", "tiff", "bmp", "webp", "avif",
	"mp3", "mp4", "mov", "wmv", "wma", "rmvb", "rm", "avi", "flv", "ogg", "oga", "ogv",
	"txt", "doc", "docx", "xls", "xlsx", "ppt", "pptx", "zip", "rar", "pdf",
}

// AllowList is a case-insensitive set of extensions.
type AllowList map[string]struct{}

func NewAllowList(exts ...string) AllowList {
	l := make(AllowList, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(e), "."))
		if e != "" {
			l[e] = struct{}{}
		}
	}
	return l
}

func (l AllowList) IsAllowedExtension(ext string) bool {
	_, ok := l[strings.ToLower(ext)]
	return ok
}

// NormalizeMime lower-cases a media type and drops its parameters. Empty and
// generic binary types normalize to "" so that callers fall back to sniffing.
func NormalizeMime(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(raw)
	if err != nil {
		mt, _, _ = strings.Cut(raw, ";")
	}
	mt = strings.ToLower(strings.TrimSpace(mt))
	if mt == "application/octet-stream" {
		return ""
	}
	return mt
}

// DetectMime sniffs the media type of the file at path from its content.
func DetectMime(path string) (string, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("detect content type: %w", err)
	}
	if n := NormalizeMime(mt.String()); n != "" {
		return n, nil
	}
	return "application/octet-stream", nil
}
