package http

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/searchktools/super-server/core/buffer"
)

// CodeUnset asks Build to derive the status from the file on disk
const CodeUnset = -1

const serverName = "super-server"

var errOutsideRoot = errors.New("path escapes the root directory")

var mimeTypes = map[string]string{
	".html":  "text/html",
	".htm":   "text/html",
	".xml":   "text/xml",
	".xhtml": "application/xhtml+xml",
	".txt":   "text/plain",
	".rtf":   "application/rtf",
	".pdf":   "application/pdf",
	".word":  "application/nsword",
	".png":   "image/png",
	".gif":   "image/gif",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".svg":   "image/svg+xml",
	".ico":   "image/x-icon",
	".au":    "audio/basic",
	".mpeg":  "video/mpeg",
	".mpg":   "video/mpeg",
	".mp4":   "video/mp4",
	".avi":   "video/x-msvideo",
	".gz":    "application/x-gzip",
	".tar":   "application/x-tar",
	".css":   "text/css",
	".js":    "text/javascript",
	".json":  "application/json",
}

// ContentType returns the MIME type for name's suffix, text/plain if unknown
func ContentType(name string) string {
	if t, ok := mimeTypes[filepath.Ext(name)]; ok {
		return t
	}
	return "text/plain"
}

// StatusText returns the reason phrase for the codes this server emits
func StatusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 400:
		return "Bad Request"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 413:
		return "Payload Too Large"
	case 500:
		return "Internal Server Error"
	case 503:
		return "Service Unavailable"
	default:
		return ""
	}
}

var errorPages = map[int]string{
	400: "/400.html",
	403: "/403.html",
	404: "/404.html",
}

// Response writes the status line, headers and content for one request.
// In file mode the content is a read-only mapping of the file, handed out by
// File for a second write vector; otherwise it is the body set by SetContent.
type Response struct {
	code      int
	keepAlive bool
	rootDir   string
	path      string

	file []byte

	content     []byte
	contentType string
	hasContent  bool
}

// Init prepares the response for a new request, releasing any previous
// mapping. Pass CodeUnset to derive the status from the file.
func (r *Response) Init(rootDir, path string, keepAlive bool, code int) {
	r.UnmapFile()
	r.code = code
	r.keepAlive = keepAlive
	r.rootDir = rootDir
	r.path = path
	r.content = r.content[:0]
	r.contentType = ""
	r.hasContent = false
}

// SetContent replaces file lookup with an inline body
func (r *Response) SetContent(contentType string, body []byte) {
	r.contentType = contentType
	r.content = append(r.content[:0], body...)
	r.hasContent = true
}

// Code is the status chosen by the last Build
func (r *Response) Code() int { return r.code }

// File is the mapped file content, nil when there is none
func (r *Response) File() []byte { return r.file }

// UnmapFile releases the file mapping. Calling it again is a no-op.
func (r *Response) UnmapFile() {
	if r.file != nil {
		unix.Munmap(r.file)
		r.file = nil
	}
}

// Build appends the status line, headers and content to buf
func (r *Response) Build(buf *buffer.Buffer) {
	if r.hasContent {
		if r.code == CodeUnset {
			r.code = 200
		}
		if StatusText(r.code) == "" {
			r.code = 400
		}
		r.appendHead(buf, r.contentType, len(r.content))
		buf.Append(r.content)
		return
	}

	if r.code == CodeUnset {
		r.code = r.statFile()
	}
	if StatusText(r.code) == "" {
		r.code = 400
	}
	if r.code >= 400 {
		page, ok := errorPages[r.code]
		if !ok {
			r.appendError(buf, r.code, "")
			return
		}
		if fi, err := r.stat(page); err != nil || !fi.Mode().IsRegular() {
			r.appendError(buf, r.code, "")
			return
		}
		r.path = page
	}
	r.appendFile(buf)
}

// statFile maps the target file's state to a status code
func (r *Response) statFile() int {
	fi, err := r.stat(r.path)
	switch {
	case errors.Is(err, errOutsideRoot):
		return 403
	case err != nil:
		return 404
	case fi.IsDir():
		return 403
	case fi.Mode().Perm()&0o004 == 0:
		return 403
	}
	return 200
}

func (r *Response) appendHead(buf *buffer.Buffer, contentType string, length int) {
	head := make([]byte, 0, 192)
	head = append(head, "HTTP/1.1 "...)
	head = strconv.AppendInt(head, int64(r.code), 10)
	head = append(head, ' ')
	head = append(head, StatusText(r.code)...)
	head = append(head, "\r\nServer: "...)
	head = append(head, serverName...)
	if r.keepAlive {
		head = append(head, "\r\nConnection: keep-alive\r\nKeep-Alive: max=6, timeout=120"...)
	} else {
		head = append(head, "\r\nConnection: close"...)
	}
	head = append(head, "\r\nContent-type: "...)
	head = append(head, contentType...)
	head = append(head, "\r\nContent-length: "...)
	head = strconv.AppendInt(head, int64(length), 10)
	head = append(head, "\r\n\r\n"...)
	buf.Append(head)
}

func (r *Response) appendFile(buf *buffer.Buffer) {
	f, err := r.open(r.path)
	if err != nil {
		r.appendError(buf, 404, "File NotFound!")
		return
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		r.appendError(buf, 404, "File NotFound!")
		return
	}
	size := int(fi.Size())
	if size > 0 {
		data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_PRIVATE)
		if err != nil {
			r.appendError(buf, 500, "File mapping failed")
			return
		}
		r.file = data
	}
	r.appendHead(buf, ContentType(r.path), size)
}

// rootName turns a request path into a name under the root directory
func rootName(path string) (string, error) {
	name := strings.TrimPrefix(path, "/")
	if name == "" {
		name = "."
	}
	if !filepath.IsLocal(name) {
		return "", errOutsideRoot
	}
	return name, nil
}

// openRoot opens the root directory; lookups through it cannot leave it,
// symlinks included
func (r *Response) openRoot() (*os.Root, error) {
	dir := r.rootDir
	if dir == "" {
		dir = "."
	}
	return os.OpenRoot(dir)
}

func (r *Response) stat(path string) (os.FileInfo, error) {
	name, err := rootName(path)
	if err != nil {
		return nil, err
	}
	root, err := r.openRoot()
	if err != nil {
		return nil, err
	}
	defer root.Close()
	return root.Stat(name)
}

func (r *Response) open(path string) (*os.File, error) {
	name, err := rootName(path)
	if err != nil {
		return nil, err
	}
	root, err := r.openRoot()
	if err != nil {
		return nil, err
	}
	defer root.Close()
	return root.Open(name)
}

// appendError writes a minimal HTML page for code
func (r *Response) appendError(buf *buffer.Buffer, code int, message string) {
	r.code = code
	if message == "" {
		message = StatusText(code)
	}
	body := make([]byte, 0, 256)
	body = append(body, "<html><title>Error</title><body bgcolor=\"ffffff\">"...)
	body = strconv.AppendInt(body, int64(code), 10)
	body = append(body, " : "...)
	body = append(body, StatusText(code)...)
	body = append(body, "\n<p>"...)
	body = append(body, message...)
	body = append(body, "</p><hr><em>"...)
	body = append(body, serverName...)
	body = append(body, "</em></body></html>"...)

	r.appendHead(buf, "text/html", len(body))
	buf.Append(body)
}
