// Package static serves files from a document root. It is the file-read
// collaborator of the engine: open and stat happen on the worker, the body
// is streamed by the engine from the returned handle.
package static

import (
	"errors"
	"io"
	"io/fs"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/s00inx/pollserve/server/protocol"
)

// Config of a FileServer
type Config struct {
	Root       string            // document root inside the fs, empty means the fs root
	Index      string            // file served for directories, index.html by default
	ErrorPages bool              // use <status>.html from the root as error bodies
	Types      map[string]string // extra extension -> media type entries
	Sniff      bool              // detect the type from content when the extension is unknown
	Logger     zerolog.Logger
}

// FileServer resolves GET/HEAD targets to files
type FileServer struct {
	fs         afero.Fs
	index      string
	errorPages bool
	sniff      bool
	mime       *MimeResolver
	log        zerolog.Logger
}

// New serves files of fsys, use afero.NewOsFs() for the real disk
func New(fsys afero.Fs, cfg Config) *FileServer {
	if cfg.Root != "" {
		fsys = afero.NewBasePathFs(fsys, cfg.Root)
	}
	if cfg.Index == "" {
		cfg.Index = "index.html"
	}
	return &FileServer{
		fs:         fsys,
		index:      cfg.Index,
		errorPages: cfg.ErrorPages,
		sniff:      cfg.Sniff,
		mime:       NewMimeResolver(cfg.Types),
		log:        cfg.Logger,
	}
}

// Serve answers GET and HEAD, any other method is 405
func (s *FileServer) Serve(req *protocol.Request) *protocol.Response {
	if !req.IsMethod("GET") && !req.IsMethod("HEAD") {
		resp := s.ServeError(405)
		resp.SetHeader("Allow", "GET, HEAD")
		return resp
	}
	return s.Open(string(req.Path))
}

// Open resolves a request path to a response. The file handle in the
// response is owned by the caller from here on.
func (s *FileServer) Open(target string) *protocol.Response {
	p, err := url.PathUnescape(target)
	if err != nil {
		return s.ServeError(400)
	}
	// no way out of the root, whatever the encoding was
	if hasDotDot(p) || strings.IndexByte(p, 0) >= 0 {
		s.log.Debug().Str("path", target).Msg("traversal attempt")
		return s.ServeError(403)
	}

	name := path.Clean("/" + p)
	if strings.HasSuffix(p, "/") {
		name = path.Join(name, s.index)
	}

	f, info, err := s.open(name)
	if errors.Is(err, fs.ErrNotExist) && path.Ext(name) == "" {
		// /about serves about.html
		name += ".html"
		f, info, err = s.open(name)
	}
	if err == nil && info.IsDir() {
		f.Close()
		name = path.Join(name, s.index)
		f, info, err = s.open(name)
		if err == nil && info.IsDir() {
			f.Close()
			err = fs.ErrNotExist
		}
	}

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return s.ServeError(404)
	case err != nil:
		s.log.Error().Err(err).Str("path", name).Msg("open file")
		return s.ServeError(500)
	}

	return &protocol.Response{
		Status:      200,
		ContentType: s.contentType(name, f),
		File:        f,
		Size:        info.Size(),
	}
}

// a ".." segment, "/a..b.txt" is a plain name
func hasDotDot(p string) bool {
	for seg := range strings.SplitSeq(p, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

func (s *FileServer) open(name string) (afero.File, fs.FileInfo, error) {
	f, err := s.fs.Open(name)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, info, nil
}

func (s *FileServer) contentType(name string, f afero.File) string {
	if t, ok := s.mime.Lookup(name); ok {
		return t
	}
	if !s.sniff {
		return DefaultType
	}

	t := Sniff(f)
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		s.log.Warn().Err(err).Str("path", name).Msg("rewind after sniffing")
		return DefaultType
	}
	return t
}

// ServeError builds the response for an error status, with the matching
// page from the root as body when there is one
func (s *FileServer) ServeError(status int) *protocol.Response {
	if !s.errorPages {
		return protocol.ErrorResponse(status)
	}

	body, err := afero.ReadFile(s.fs, "/"+strconv.Itoa(status)+".html")
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn().Err(err).Int("status", status).Msg("reading error page")
		}
		return protocol.ErrorResponse(status)
	}
	return &protocol.Response{
		Status:      status,
		ContentType: "text/html; charset=utf-8",
		Body:        body,
	}
}
