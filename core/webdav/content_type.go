package webdav

import (
	"mime"
	"path"
	"strings"
)

const dirContentType = "httpd/unix-directory"

// contentTypes covers the media-heavy extensions this pool is typically used
// for; everything else falls through to the platform MIME table.
var contentTypes = map[string]string{
	".mp4":  "video/mp4",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".flv":  "video/x-flv",
	".m4v":  "video/mp4",
	".ts":   "video/mp2t",
	".mp3":  "audio/mpeg",
	".flac": "audio/flac",
	".wav":  "audio/wav",
	".aac":  "audio/aac",
	".ogg":  "audio/ogg",
	".m4a":  "audio/mp4",
	".srt":  "text/plain",
	".ass":  "text/plain",
	".sub":  "text/plain",
	".iso":  "application/x-iso9660-image",
	".img":  "application/octet-stream",
}

func contentTypeFor(filePath string) string {
	ext := strings.ToLower(path.Ext(filePath))
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
