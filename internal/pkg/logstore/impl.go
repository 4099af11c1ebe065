// Package logstore keeps computation logs submitted by participants,
// addressed by the Keccak-256 hash of their content.
package logstore

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/samber/do/v2"
	"github.com/vreid/arbiter/internal/pkg/common"
	"github.com/vreid/arbiter/internal/pkg/log"
	"github.com/vreid/arbiter/internal/pkg/protocol"
	"golang.org/x/crypto/sha3"
)

var ErrNoFiles = errors.New("no files submitted")

type LogStoreService struct {
	Dir string

	now    func() time.Time
	logger *log.Logger
}

func NewLogStore(dir string, logger *log.Logger) (*LogStoreService, error) {
	err := os.MkdirAll(dir, 0700)
	if err != nil {
		return nil, fmt.Errorf("failed to create log store directory: %w", err)
	}

	return &LogStoreService{
		Dir: dir,

		now:    time.Now,
		logger: logger,
	}, nil
}

func NewLogStoreService(i do.Injector) (*LogStoreService, error) {
	tmpDir := do.MustInvokeNamed[string](i, "tmp-dir")
	logger := do.MustInvoke[*log.Logger](i)

	result, err := NewLogStore(filepath.Join(tmpDir, "logs"), logger.WithModule("logstore"))
	if err != nil {
		return nil, err
	}

	echoService, err := do.Invoke[*common.EchoService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create echo service: %w", err)
	}

	echoService.Register(result.Routes)

	return result, nil
}

func (s *LogStoreService) Routes(e *echo.Echo) {
	apiGroup := e.Group("/api")

	loggerGroup := apiGroup.Group("/logger")

	loggerGroup.POST("/submit", s.Submit)
	loggerGroup.GET("/:hash", s.Download)
	loggerGroup.GET("/:hash/meta", s.Meta)
}

func (s *LogStoreService) contentPath(hash protocol.Word) string {
	return filepath.Join(s.Dir, hex.EncodeToString(hash[:]))
}

func (s *LogStoreService) metaPath(hash protocol.Word) string {
	return s.contentPath(hash) + ".json"
}

// Put stores the content of r and returns its entry. Submitting the same
// content twice keeps the first copy.
func (s *LogStoreService) Put(r io.Reader, filename string) (*Entry, error) {
	tmp, err := os.CreateTemp(s.Dir, "submit-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}

	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	h := sha3.NewLegacyKeccak256()

	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	var hash protocol.Word
	copy(hash[:], h.Sum(nil))

	existing, err := s.Stat(hash)
	if err == nil {
		return existing, nil
	}

	err = tmp.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}

	err = os.Rename(tmp.Name(), s.contentPath(hash))
	if err != nil {
		return nil, fmt.Errorf("failed to store file: %w", err)
	}

	entry := &Entry{
		Hash:      hash,
		Size:      size,
		Filename:  filepath.Base(filename),
		Timestamp: s.now(),
	}

	metaData, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entry: %w", err)
	}

	err = os.WriteFile(s.metaPath(hash), metaData, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to write entry: %w", err)
	}

	s.logger.Info("log stored", "hash", hash, "size", size)

	return entry, nil
}

func (s *LogStoreService) Stat(hash protocol.Word) (*Entry, error) {
	metaData, err := os.ReadFile(s.metaPath(hash))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("log %s: %w", hash, protocol.ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read entry: %w", err)
	}

	var entry Entry

	err = json.Unmarshal(metaData, &entry)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}

	return &entry, nil
}

// Open returns the stored content of hash. The caller closes it.
func (s *LogStoreService) Open(hash protocol.Word) (io.ReadCloser, error) {
	_, err := s.Stat(hash)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(s.contentPath(hash))
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}

	return f, nil
}

func (s *LogStoreService) Submit(c echo.Context) error {
	form, err := c.MultipartForm()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to parse multipart form")
	}

	files := form.File["files"]
	if len(files) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, ErrNoFiles.Error())
	}

	entries := make([]*Entry, 0, len(files))

	for _, file := range files {
		src, err := file.Open()
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to open submitted file")
		}

		entry, err := s.Put(src, file.Filename)

		_ = src.Close()

		if err != nil {
			s.logger.Error("failed to store log", "filename", file.Filename, "err", err)

			return echo.NewHTTPError(http.StatusInternalServerError, "failed to store file")
		}

		entries = append(entries, entry)
	}

	//nolint:wrapcheck
	return c.JSONPretty(http.StatusCreated, entries, "  ")
}

func (s *LogStoreService) Download(c echo.Context) error {
	hash, err := protocol.ParseWord(c.Param("hash"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid hash")
	}

	content, err := s.Open(hash)
	if err != nil {
		return common.HTTPError(err)
	}

	defer func() {
		_ = content.Close()
	}()

	//nolint:wrapcheck
	return c.Stream(http.StatusOK, echo.MIMEOctetStream, content)
}

func (s *LogStoreService) Meta(c echo.Context) error {
	hash, err := protocol.ParseWord(c.Param("hash"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid hash")
	}

	entry, err := s.Stat(hash)
	if err != nil {
		return common.HTTPError(err)
	}

	//nolint:wrapcheck
	return c.JSONPretty(http.StatusOK, entry, "  ")
}
