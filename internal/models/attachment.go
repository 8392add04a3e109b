package models

import (
	"strings"
	"time"
)

// RawUpload is an uploaded file as handed over by the host. The core never
// modifies or removes the file at Path.
type RawUpload struct {
	Name     string
	MimeHint string
	Size     int64
	Path     string
}

// Attachment is the normalized record returned for a stored upload.
// Path is the object store key.
type Attachment struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	Type      string    `json:"type"`
	Mime      string    `json:"mime"`
	Extension string    `json:"extension"`
	CreatedAt time.Time `json:"created"`
	IsImage   bool      `json:"isImage"`
	URL       string    `json:"url"`
}

// StorageKey returns the object key the record points at, or "" when the
// record carries no usable path.
func (a *Attachment) StorageKey() string {
	if a == nil {
		return ""
	}
	return strings.TrimLeft(strings.TrimSpace(a.Path), "/")
}

type FileType string

const (
	FileTypeImage    FileType = "image"
	FileTypeVideo    FileType = "video"
	FileTypeAudio    FileType = "audio"
	FileTypeDocument FileType = "document"
	FileTypeOther    FileType = "other"
)

func DeriveFileType(contentType string) FileType {
	if strings.HasPrefix(contentType, "image/") {
		return FileTypeImage
	}
	if strings.HasPrefix(contentType, "video/") {
		return FileTypeVideo
	}
	if strings.HasPrefix(contentType, "audio/") {
		return FileTypeAudio
	}
	if strings.Contains(contentType, "pdf") {
		return FileTypeDocument
	}
	return FileTypeOther
}
