package webdav

import (
	"encoding/xml"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/pyropy/rclonepool/core/model"
	"github.com/pyropy/rclonepool/core/pool"
)

// multistatus is the DAV: 207 response body.
type multistatus struct {
	XMLName   xml.Name      `xml:"D:multistatus"`
	Namespace string        `xml:"xmlns:D,attr"`
	Responses []davResponse `xml:"D:response"`
}

type davResponse struct {
	Href     string      `xml:"D:href"`
	Propstat davPropstat `xml:"D:propstat"`
}

type davPropstat struct {
	Prop   davProp `xml:"D:prop"`
	Status string  `xml:"D:status"`
}

type davProp struct {
	DisplayName   string          `xml:"D:displayname,omitempty"`
	ContentLength *int64          `xml:"D:getcontentlength,omitempty"`
	ContentType   string          `xml:"D:getcontenttype,omitempty"`
	LastModified  string          `xml:"D:getlastmodified,omitempty"`
	ResourceType  davResourceType `xml:"D:resourcetype"`
}

type davResourceType struct {
	Collection *struct{} `xml:"D:collection,omitempty"`
}

func fileResponse(m *model.Manifest) davResponse {
	size := m.FileSize
	return davResponse{
		Href: escapeHref(m.FilePath),
		Propstat: davPropstat{
			Prop: davProp{
				DisplayName:   m.FileName,
				ContentLength: &size,
				ContentType:   contentTypeFor(m.FilePath),
				LastModified:  rfc1123(m.CreatedAt),
			},
			Status: "HTTP/1.1 200 OK",
		},
	}
}

func dirResponse(dirPath, name string) davResponse {
	href := escapeHref(dirPath)
	if dirPath != "/" {
		href += "/"
	}
	return davResponse{
		Href: href,
		Propstat: davPropstat{
			Prop: davProp{
				DisplayName:  name,
				ContentType:  dirContentType,
				LastModified: rfc1123(0),
				ResourceType: davResourceType{Collection: &struct{}{}},
			},
			Status: "HTTP/1.1 200 OK",
		},
	}
}

func (s *Server) handlePropfind(w http.ResponseWriter, r *http.Request) {
	path := requestPath(r)
	ctx := r.Context()

	depth := r.Header.Get("Depth")
	if depth == "" {
		depth = "1"
	}
	if depth != "0" && depth != "1" {
		http.Error(w, "unsupported Depth", http.StatusForbidden)
		return
	}

	var responses []davResponse

	m, err := s.pool.Stat(ctx, path)
	switch {
	case err == nil:
		responses = append(responses, fileResponse(m))

	case errors.Is(err, pool.ErrNotFound):
		isDir, derr := s.pool.IsDir(ctx, path)
		if derr != nil {
			http.Error(w, "listing failed", http.StatusInternalServerError)
			return
		}
		if !isDir {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}

		_, name := model.SplitPath(path)
		if path == "/" {
			name = "/"
		}
		responses = append(responses, dirResponse(path, name))

		if depth == "1" {
			children, err := s.propfindChildren(r, path)
			if err != nil {
				http.Error(w, "listing failed", http.StatusInternalServerError)
				return
			}
			responses = append(responses, children...)
		}

	default:
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}

	body, err := xml.MarshalIndent(multistatus{
		Namespace: "DAV:",
		Responses: responses,
	}, "", "  ")
	if err != nil {
		http.Error(w, "xml encoding failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(body)
}

func (s *Server) propfindChildren(r *http.Request, dir string) ([]davResponse, error) {
	ctx := r.Context()

	dirs, err := s.pool.Dirs(ctx, dir)
	if err != nil {
		return nil, err
	}

	var responses []davResponse
	for _, name := range dirs {
		responses = append(responses, dirResponse(joinPath(dir, name), name))
	}

	manifests, err := s.pool.Manifests().List(ctx, dir, false)
	if err != nil {
		return nil, err
	}
	for _, m := range manifests {
		responses = append(responses, fileResponse(m))
	}

	return responses, nil
}

func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

func escapeHref(p string) string {
	return (&url.URL{Path: p}).EscapedPath()
}

// rfc1123 formats a unix-seconds timestamp the way WebDAV clients expect.
// Zero means "now" (virtual directories have no stored mtime).
func rfc1123(createdAt float64) string {
	t := time.Now()
	if createdAt > 0 {
		sec := int64(createdAt)
		nsec := int64((createdAt - float64(sec)) * float64(time.Second))
		t = time.Unix(sec, nsec)
	}
	return t.UTC().Format(http.TimeFormat)
}
