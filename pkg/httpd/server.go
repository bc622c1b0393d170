// Package httpd serves static files from a document root over the engine's
// connections. It only ever sees bytes the engine already buffered, so one
// Process call answers every complete request it has, pipelined or not.
package httpd

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/vincentwuo/evhttpd"
	"github.com/vincentwuo/evhttpd/pkg/config"
	"github.com/vincentwuo/evhttpd/pkg/util"

	"github.com/cespare/xxhash"
	"go.uber.org/zap"
)

const (
	serverName = "evhttpd"
	// sendChunk bounds how much of a file body sits in a connection's
	// outbound buffer at once.
	sendChunk = 64 << 10
)

var headerEnd = []byte("\r\n\r\n")

// Server is an evhttpd.Processor.
type Server struct {
	root   string
	index  string
	logger *zap.Logger
	now    func() time.Time
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

func New(cfg *config.Config, opts ...Option) (*Server, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("%w: root %q: %v", config.ErrConfig, cfg.Root, err)
	}
	fi, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: root %q: %v", config.ErrConfig, cfg.Root, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%w: root %q is not a directory", config.ErrConfig, cfg.Root)
	}
	index := cfg.Index
	if index == "" {
		index = config.Default().Index
	}

	s := &Server{
		root:   root,
		index:  index,
		logger: util.Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// fileBody is a file still being sent. It lives in Conn.Session; the engine
// closes it if the connection goes away first.
type fileBody struct {
	f         *os.File
	remaining int64
	buf       []byte
}

func (b *fileBody) Close() error { return b.f.Close() }

// pump flushes pending output and feeds the rest of an in-flight body, one
// chunk at a time. It reports whether the socket stopped taking bytes.
func (s *Server) pump(c *evhttpd.Conn) (bool, error) {
	for {
		if c.Pending() > 0 {
			if err := c.Flush(); err != nil {
				return false, err
			}
			if c.Pending() > 0 {
				return true, nil
			}
		}
		b, ok := c.Session.(*fileBody)
		if !ok {
			return false, nil
		}
		if b.remaining == 0 {
			c.Session = nil
			return false, b.Close()
		}
		n := int64(len(b.buf))
		if b.remaining < n {
			n = b.remaining
		}
		if _, err := io.ReadFull(b.f, b.buf[:n]); err != nil {
			// headers are gone already, so all that's left is to hang up
			return false, fmt.Errorf("read %s: %w", b.f.Name(), err)
		}
		b.remaining -= n
		if err := c.Write(b.buf[:n]); err != nil {
			return false, err
		}
	}
}

// Process implements evhttpd.Processor.
func (s *Server) Process(c *evhttpd.Conn) (evhttpd.Outcome, error) {
	blocked, err := s.pump(c)
	switch {
	case err != nil:
		return evhttpd.Close, err
	case blocked:
		return evhttpd.WouldBlock, nil
	case c.ClosingAfterFlush():
		return evhttpd.Close, nil
	}

	_, err = c.Fill()
	if err != nil && err != io.EOF && err != evhttpd.ErrBufferFull {
		return evhttpd.Close, err
	}

	for c.Pending() == 0 && c.Session == nil && !c.ClosingAfterFlush() {
		buf := c.Buffered()
		end := bytes.Index(buf, headerEnd)
		if end < 0 {
			if c.Available() == 0 {
				c.CloseAfterFlush()
				if werr := s.respondError(c, nil, http.StatusRequestHeaderFieldsTooLarge); werr != nil {
					return evhttpd.Close, werr
				}
			}
			break
		}
		end += len(headerEnd)

		req, perr := http.ReadRequest(bufio.NewReader(bytes.NewReader(buf[:end])))
		c.Consume(end)
		if perr != nil {
			s.logger.Debug("malformed request", zap.String("remote", c.RemoteAddr), zap.Error(perr))
			c.CloseAfterFlush()
			if werr := s.respondError(c, nil, http.StatusBadRequest); werr != nil {
				return evhttpd.Close, werr
			}
			break
		}
		req.RemoteAddr = c.RemoteAddr

		// request bodies are never read, so the stream can't be resynchronised
		if req.ContentLength != 0 || len(req.TransferEncoding) > 0 {
			req.Close = true
		}
		if req.Close {
			c.CloseAfterFlush()
		}
		if werr := s.serve(c, req); werr != nil {
			return evhttpd.Close, werr
		}
		if _, err = s.pump(c); err != nil {
			return evhttpd.Close, err
		}
	}

	switch {
	case c.Pending() > 0:
		return evhttpd.WouldBlock, nil
	case c.ClosingAfterFlush(), c.EOF():
		return evhttpd.Close, nil
	}
	return evhttpd.KeepAlive, nil
}

func (s *Server) serve(c *evhttpd.Conn, req *http.Request) error {
	switch req.Method {
	case http.MethodGet, http.MethodHead:
	case http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch, http.MethodOptions:
		h := http.Header{}
		h.Set("Allow", "GET, HEAD")
		return s.respondError(c, req, http.StatusMethodNotAllowed, h)
	default:
		return s.respondError(c, req, http.StatusNotImplemented)
	}

	name, fi, status := s.resolve(req.URL.Path)
	if status != http.StatusOK {
		return s.respondError(c, req, status)
	}

	etag := etagFor(name, fi)
	modified := fi.ModTime().UTC().Truncate(time.Second)
	h := http.Header{}
	h.Set("ETag", etag)
	h.Set("Last-Modified", modified.Format(http.TimeFormat))

	if notModified(req, etag, modified) {
		return s.respond(c, req, http.StatusNotModified, h, nil)
	}

	ctype := mime.TypeByExtension(filepath.Ext(name))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	h.Set("Content-Type", ctype)

	if req.Method == http.MethodHead {
		h.Set("Content-Length", strconv.FormatInt(fi.Size(), 10))
		return s.respond(c, req, http.StatusOK, h, nil)
	}

	f, err := os.Open(name)
	if err != nil {
		s.logger.Warn("open file", zap.String("path", name), zap.Error(err))
		return s.respondError(c, req, http.StatusInternalServerError)
	}
	// the length on the wire must match what the descriptor holds now
	ofi, err := f.Stat()
	if err != nil {
		f.Close()
		s.logger.Warn("stat file", zap.String("path", name), zap.Error(err))
		return s.respondError(c, req, http.StatusInternalServerError)
	}
	h.Set("Content-Length", strconv.FormatInt(ofi.Size(), 10))
	if ofi.Size() == 0 {
		f.Close()
		return s.respond(c, req, http.StatusOK, h, nil)
	}

	chunk := int64(sendChunk)
	if ofi.Size() < chunk {
		chunk = ofi.Size()
	}
	c.Session = &fileBody{f: f, remaining: ofi.Size(), buf: make([]byte, chunk)}
	return s.respond(c, req, http.StatusOK, h, nil)
}

// resolve maps a URL path onto a regular file under root.
func (s *Server) resolve(urlPath string) (string, os.FileInfo, int) {
	if !strings.HasPrefix(urlPath, "/") {
		return "", nil, http.StatusBadRequest
	}
	clean := path.Clean(urlPath)
	name := filepath.Join(s.root, filepath.FromSlash(clean))

	fi, err := os.Stat(name)
	if err == nil && fi.IsDir() {
		name = filepath.Join(name, s.index)
		fi, err = os.Stat(name)
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "", nil, http.StatusNotFound
	case errors.Is(err, fs.ErrPermission):
		return "", nil, http.StatusForbidden
	case err != nil:
		return "", nil, http.StatusNotFound
	case !fi.Mode().IsRegular():
		return "", nil, http.StatusForbidden
	}
	return name, fi, http.StatusOK
}

func etagFor(name string, fi os.FileInfo) string {
	key := name + ":" + strconv.FormatInt(fi.Size(), 10) + ":" + strconv.FormatInt(fi.ModTime().UnixNano(), 10)
	return `"` + strconv.FormatUint(xxhash.Sum64String(key), 16) + `"`
}

// notModified applies If-None-Match, falling back to If-Modified-Since only
// when no entity tag was sent.
func notModified(req *http.Request, etag string, modified time.Time) bool {
	if inm := req.Header.Get("If-None-Match"); inm != "" {
		for _, tag := range strings.Split(inm, ",") {
			tag = strings.TrimSpace(tag)
			if tag == "*" || strings.TrimPrefix(tag, "W/") == etag {
				return true
			}
		}
		return false
	}
	if ims := req.Header.Get("If-Modified-Since"); ims != "" {
		t, err := http.ParseTime(ims)
		return err == nil && !modified.After(t)
	}
	return false
}

func (s *Server) respondError(c *evhttpd.Conn, req *http.Request, status int, extra ...http.Header) error {
	h := http.Header{}
	for _, x := range extra {
		for k, v := range x {
			h[k] = v
		}
	}
	body := []byte(strconv.Itoa(status) + " " + http.StatusText(status) + "\n")
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	if req != nil && req.Method == http.MethodHead {
		body = nil
	}
	return s.respond(c, req, status, h, body)
}

// respond writes one response. A nil req is a request that could not be
// parsed; the connection is then closed after the write.
func (s *Server) respond(c *evhttpd.Conn, req *http.Request, status int, h http.Header, body []byte) error {
	h.Set("Server", serverName)
	h.Set("Date", s.now().UTC().Format(http.TimeFormat))

	switch {
	case req == nil || c.ClosingAfterFlush():
		h.Set("Connection", "close")
	case req.ProtoMajor == 1 && req.ProtoMinor == 0:
		h.Set("Connection", "keep-alive")
	}

	var out bytes.Buffer
	fmt.Fprintf(&out, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	if err := h.Write(&out); err != nil {
		return err
	}
	out.WriteString("\r\n")
	out.Write(body)

	if req != nil {
		s.logger.Debug("request",
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Int("status", status),
			zap.String("remote", c.RemoteAddr))
	}
	return c.Write(out.Bytes())
}
