package mediatypes

import (
	"net/http"
	"path/filepath"
	"strings"
)

// MediaType is the primary type recorded on a blob.
type MediaType string

const (
	TypeImage    MediaType = "image"
	TypeVideo    MediaType = "video"
	TypeAudio    MediaType = "audio"
	TypeDocument MediaType = "document"
	TypeArchive  MediaType = "archive"
	TypeOther    MediaType = "other"
)

// Hint is the type information attached to a blob when it is resolved. It is
// advisory: the index never interprets content beyond it.
type Hint struct {
	MimeType string    `json:"mimeType"`
	Type     MediaType `json:"type"`
}

// ImageExtensions maps file extensions to whether they are image formats.
var ImageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".webp": true,
	".svg":  true,
	".ico":  true,
	".tiff": true,
	".tif":  true,
	".heic": true,
	".heif": true,
}

// VideoExtensions maps file extensions to whether they are video formats.
var VideoExtensions = map[string]bool{
	".mp4":  true,
	".mkv":  true,
	".avi":  true,
	".mov":  true,
	".wmv":  true,
	".flv":  true,
	".webm": true,
	".m4v":  true,
	".mpeg": true,
	".mpg":  true,
	".3gp":  true,
}

// AudioExtensions maps file extensions to whether they are audio formats.
var AudioExtensions = map[string]bool{
	".mp3":  true,
	".flac": true,
	".wav":  true,
	".ogg":  true,
	".m4a":  true,
	".aac":  true,
	".opus": true,
}

// DocumentExtensions maps file extensions to whether they are documents.
var DocumentExtensions = map[string]bool{
	".pdf":  true,
	".txt":  true,
	".md":   true,
	".doc":  true,
	".docx": true,
	".odt":  true,
	".rtf":  true,
	".xls":  true,
	".xlsx": true,
	".csv":  true,
	".ppt":  true,
	".pptx": true,
	".epub": true,
}

// ArchiveExtensions maps file extensions to whether they are archives.
var ArchiveExtensions = map[string]bool{
	".zip": true,
	".tar": true,
	".tgz": true,
	".gz":  true,
	".7z":  true,
	".rar": true,
	".cbz": true,
}

// MimeTypes maps file extensions to their MIME types.
var MimeTypes = map[string]string{
	// Images
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".bmp":  "image/bmp",
	".webp": "image/webp",
	".svg":  "image/svg+xml",
	".ico":  "image/x-icon",
	".tiff": "image/tiff",
	".tif":  "image/tiff",
	".heic": "image/heic",
	".heif": "image/heif",

	// Videos
	".mp4":  "video/mp4",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".wmv":  "video/x-ms-wmv",
	".flv":  "video/x-flv",
	".webm": "video/webm",
	".m4v":  "video/x-m4v",
	".mpeg": "video/mpeg",
	".mpg":  "video/mpeg",
	".3gp":  "video/3gpp",

	// Audio
	".mp3":  "audio/mpeg",
	".flac": "audio/flac",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
	".opus": "audio/opus",

	// Documents
	".pdf":  "application/pdf",
	".txt":  "text/plain",
	".md":   "text/markdown",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".odt":  "application/vnd.oasis.opendocument.text",
	".rtf":  "application/rtf",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".csv":  "text/csv",
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".epub": "application/epub+zip",

	// Archives
	".zip": "application/zip",
	".cbz": "application/vnd.comicbook+zip",
	".tar": "application/x-tar",
	".tgz": "application/gzip",
	".gz":  "application/gzip",
	".7z":  "application/x-7z-compressed",
	".rar": "application/vnd.rar",
}

const octetStream = "application/octet-stream"

// GetMediaType returns the MediaType for a lowercase extension with its
// leading dot. Returns TypeOther if the extension is not recognized.
func GetMediaType(ext string) MediaType {
	switch {
	case ImageExtensions[ext]:
		return TypeImage
	case VideoExtensions[ext]:
		return TypeVideo
	case AudioExtensions[ext]:
		return TypeAudio
	case DocumentExtensions[ext]:
		return TypeDocument
	case ArchiveExtensions[ext]:
		return TypeArchive
	}
	return TypeOther
}

// GetMimeType returns the MIME type for a lowercase extension, or
// "application/octet-stream".
func GetMimeType(ext string) string {
	if mime, ok := MimeTypes[ext]; ok {
		return mime
	}
	return octetStream
}

// FromPath derives a hint from the file name alone.
func FromPath(path string) Hint {
	ext := extension(path)
	return Hint{MimeType: GetMimeType(ext), Type: GetMediaType(ext)}
}

// Sniff derives a hint from the leading bytes of the content, falling back to
// the extension when content sniffing is inconclusive.
func Sniff(path string, head []byte) Hint {
	byName := FromPath(path)
	if len(head) == 0 {
		return byName
	}

	detected := http.DetectContentType(head)
	if i := strings.IndexByte(detected, ';'); i >= 0 {
		detected = detected[:i]
	}
	// Generic answers carry less information than the extension.
	if detected == octetStream || (detected == "text/plain" && byName.MimeType != octetStream) {
		return byName
	}
	// Office and epub formats are zip files; trust the extension there.
	if detected == "application/zip" && byName.Type != TypeOther && byName.Type != TypeArchive {
		return byName
	}

	return Hint{MimeType: detected, Type: typeForMime(detected)}
}

func typeForMime(mime string) MediaType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return TypeImage
	case strings.HasPrefix(mime, "video/"):
		return TypeVideo
	case strings.HasPrefix(mime, "audio/"):
		return TypeAudio
	case strings.HasPrefix(mime, "text/"), mime == "application/pdf":
		return TypeDocument
	case mime == "application/zip", mime == "application/x-gzip", mime == "application/gzip",
		mime == "application/x-rar-compressed", mime == "application/x-7z-compressed":
		return TypeArchive
	}
	return TypeOther
}

// Container formats the default extractor can materialize.
const (
	ContainerZip   = "zip"
	ContainerTar   = "tar"
	ContainerTarGz = "tar.gz"
)

// ContainerFormat returns the container format of a file, or "" when the
// file is not a container the index materializes.
func ContainerFormat(path string, hint Hint) string {
	name := strings.ToLower(filepath.Base(path))
	switch {
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return ContainerTarGz
	case strings.HasSuffix(name, ".tar"):
		return ContainerTar
	case strings.HasSuffix(name, ".zip"), strings.HasSuffix(name, ".cbz"):
		return ContainerZip
	}
	if hint.MimeType == "application/zip" {
		return ContainerZip
	}
	return ""
}

func extension(path string) string {
	name := strings.ToLower(filepath.Base(path))
	if strings.HasSuffix(name, ".tar.gz") {
		return ".tgz"
	}
	return filepath.Ext(name)
}
