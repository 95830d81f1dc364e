package webdav

import (
	"fmt"
	"html/template"
	"net/http"
	"path"
	"strings"
)

var listingTemplate = template.Must(template.New("listing").Parse(`<!DOCTYPE html>
<html>
<head><title>rclonepool — {{.Path}}</title>
<style>
    body { font-family: monospace; padding: 20px; background: #1a1a2e; color: #eee; }
    a { color: #4fc3f7; text-decoration: none; }
    a:hover { text-decoration: underline; }
    table { border-collapse: collapse; width: 100%; }
    th, td { text-align: left; padding: 8px 16px; border-bottom: 1px solid #333; }
    th { color: #aaa; }
    .size { text-align: right; }
    h2 { color: #4fc3f7; }
</style>
</head>
<body>
<h2>rclonepool — {{.Path}}</h2>
<table>
<tr><th>Name</th><th class="size">Size</th><th>Chunks</th><th>Remotes</th></tr>
{{if .Parent}}<tr><td><a href="{{.Parent}}">..</a></td><td></td><td></td><td></td></tr>
{{end}}{{range .Dirs}}<tr><td><a href="{{.Href}}/">{{.Name}}/</a></td><td></td><td></td><td></td></tr>
{{end}}{{range .Files}}<tr><td><a href="{{.Href}}">{{.Name}}</a></td><td class="size">{{.Size}}</td><td>{{.Chunks}}</td><td>{{.Remotes}}</td></tr>
{{end}}</table>
<hr>
<p>rclonepool WebDAV server · <a href="/">home</a></p>
</body></html>
`))

type listingEntry struct {
	Name    string
	Href    string
	Size    string
	Chunks  int
	Remotes string
}

type listingData struct {
	Path   string
	Parent string
	Dirs   []listingEntry
	Files  []listingEntry
}

// serveListing renders the browser-facing directory page.
func (s *Server) serveListing(w http.ResponseWriter, r *http.Request, dir string) {
	ctx := r.Context()

	data := listingData{Path: dir}
	if dir != "/" {
		data.Parent = escapeHref(path.Dir(dir))
	}

	dirs, err := s.pool.Dirs(ctx, dir)
	if err != nil {
		http.Error(w, "listing failed", http.StatusInternalServerError)
		return
	}
	for _, name := range dirs {
		data.Dirs = append(data.Dirs, listingEntry{
			Name: name,
			Href: escapeHref(joinPath(dir, name)),
		})
	}

	files, err := s.pool.List(ctx, dir)
	if err != nil {
		http.Error(w, "listing failed", http.StatusInternalServerError)
		return
	}
	for _, f := range files {
		data.Files = append(data.Files, listingEntry{
			Name:    f.FileName,
			Href:    escapeHref(f.FilePath),
			Size:    humanSize(f.FileSize),
			Chunks:  f.ChunkCount,
			Remotes: strings.Join(f.Remotes, ", "),
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := listingTemplate.Execute(w, data); err != nil {
		s.log.Debugw("listing render failed", "dir", dir, "err", err)
	}
}

func humanSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}
