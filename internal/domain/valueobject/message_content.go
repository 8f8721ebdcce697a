package valueobject

import (
	"mime"
	"strings"
)

// MimeCategory 附件 MIME 大类
type MimeCategory string

const (
	MimeCategoryImage    MimeCategory = "image"
	MimeCategoryAudio    MimeCategory = "audio"
	MimeCategoryVideo    MimeCategory = "video"
	MimeCategoryDocument MimeCategory = "document"
	MimeCategoryOther    MimeCategory = "other"
)

// CategoryFromMIME 根据 MIME 类型推断大类
func CategoryFromMIME(mimeType string) MimeCategory {
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(mimeType))
	}

	switch {
	case strings.HasPrefix(mediaType, "image/"):
		return MimeCategoryImage
	case strings.HasPrefix(mediaType, "audio/"):
		return MimeCategoryAudio
	case strings.HasPrefix(mediaType, "video/"):
		return MimeCategoryVideo
	case strings.HasPrefix(mediaType, "text/"),
		mediaType == "application/pdf",
		strings.Contains(mediaType, "document"),
		strings.Contains(mediaType, "spreadsheet"),
		strings.Contains(mediaType, "presentation"),
		mediaType == "application/msword":
		return MimeCategoryDocument
	}
	return MimeCategoryOther
}

// Attachment 附件引用（存储句柄对核心不透明）
type Attachment struct {
	Name     string       `json:"name" yaml:"name"`
	Size     int64        `json:"size" yaml:"size"`
	Category MimeCategory `json:"category" yaml:"category"`
	Handle   string       `json:"handle" yaml:"handle"`
}

// NewAttachment 创建附件引用
func NewAttachment(name string, size int64, mimeType, handle string) Attachment {
	return Attachment{
		Name:     name,
		Size:     size,
		Category: CategoryFromMIME(mimeType),
		Handle:   handle,
	}
}

// Valid 判断附件引用是否完整
func (a Attachment) Valid() bool {
	return strings.TrimSpace(a.Name) != "" && a.Handle != "" && a.Size >= 0
}

// CloneAttachments 复制附件列表（值对象不可变）
func CloneAttachments(atts []Attachment) []Attachment {
	if len(atts) == 0 {
		return nil
	}
	out := make([]Attachment, len(atts))
	copy(out, atts)
	return out
}

// TotalSize 返回附件总大小
func TotalSize(atts []Attachment) int64 {
	var total int64
	for _, a := range atts {
		total += a.Size
	}
	return total
}
