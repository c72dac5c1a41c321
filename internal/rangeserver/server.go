// Package rangeserver serves files over HTTP with single-range byte-range
// support, the protocol surface the VFS consumes: plain GETs advertise
// Accept-Ranges and an exact Content-Length, and Range: bytes=a-b requests
// are answered with 206 partials. Files come from an afero filesystem so the
// CLI serves a real directory while tests serve an in-memory one.
package rangeserver

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/afero"
)

// Server is a byte-range file server over one afero filesystem.
type Server struct {
	app    *fiber.App
	fs     afero.Fs
	logger *slog.Logger
}

// New builds a server over fsys. A nil logger selects slog.Default.
func New(fsys afero.Fs, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		fs:     fsys,
		logger: logger.With("component", "rangeserver"),
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})
	app.Get("/:name", s.handleGet)
	s.app = app

	return s
}

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Serve accepts connections from ln until Shutdown. Tests use this with an
// ephemeral-port listener.
func (s *Server) Serve(ln net.Listener) error {
	return s.app.Listener(ln)
}

// App exposes the underlying fiber app, mainly for in-process testing.
func (s *Server) App() *fiber.App {
	return s.app
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) handleGet(c *fiber.Ctx) error {
	name := c.Params("name")

	f, err := s.fs.Open(name)
	if err != nil {
		s.logger.Debug("File not found", "name", name)
		return c.SendStatus(fiber.StatusNotFound)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return c.SendStatus(fiber.StatusInternalServerError)
	}
	size := info.Size()

	c.Set(fiber.HeaderAcceptRanges, "bytes")

	rangeHeader := c.Get(fiber.HeaderRange)
	if rangeHeader == "" || strings.Contains(rangeHeader, ",") {
		// Full body. Multi-range requests are deliberately answered with the
		// whole file, which RFC 9110 permits.
		return s.sendSection(c, f, 0, size, fiber.StatusOK)
	}

	start, end, err := parseRange(rangeHeader, size)
	if err != nil {
		f.Close()
		s.logger.Debug("Unsatisfiable range", "name", name, "range", rangeHeader, "error", err)
		c.Set(fiber.HeaderContentRange, fmt.Sprintf("bytes */%d", size))
		return c.SendStatus(fiber.StatusRequestedRangeNotSatisfiable)
	}

	c.Set(fiber.HeaderContentRange, fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	return s.sendSection(c, f, start, end-start+1, fiber.StatusPartialContent)
}

// sendSection streams length bytes of f starting at off. The file is closed
// when the response body has been written.
func (s *Server) sendSection(c *fiber.Ctx, f afero.File, off, length int64, status int) error {
	section := io.NewSectionReader(f, off, length)
	c.Status(status)
	err := c.SendStream(readCloser{section, f}, int(length))
	if err != nil {
		f.Close()
	}
	return err
}

// readCloser closes the backing file once the streamed section is drained.
type readCloser struct {
	io.Reader
	closer io.Closer
}

func (rc readCloser) Close() error {
	return rc.closer.Close()
}

// parseRange parses a single "bytes=a-b" range against a resource of the
// given size, returning the inclusive start and end offsets. Supported forms
// are "a-b", "a-" (to end of file) and "-n" (final n bytes).
func parseRange(header string, size int64) (start, end int64, err error) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, 0, fmt.Errorf("unsupported range unit in %q", header)
	}

	first, last, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, fmt.Errorf("malformed range %q", header)
	}

	if first == "" {
		// Suffix form: final n bytes.
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, fmt.Errorf("malformed suffix range %q", header)
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, nil
	}

	start, err = strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, fmt.Errorf("malformed range start %q", header)
	}

	if last == "" {
		end = size - 1
	} else {
		end, err = strconv.ParseInt(last, 10, 64)
		if err != nil || end < start {
			return 0, 0, fmt.Errorf("malformed range end %q", header)
		}
		if end > size-1 {
			end = size - 1
		}
	}

	if start >= size {
		return 0, 0, errors.New("range start beyond end of resource")
	}
	return start, end, nil
}
