package common

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/do/v2"
	"github.com/vreid/arbiter/internal/pkg/protocol"
)

type EchoService struct {
	echo *echo.Echo
	port int
}

func NewEchoService(i do.Injector) (*EchoService, error) {
	port := do.MustInvokeNamed[int](i, "port")

	e := echo.New()

	e.HideBanner = true
	e.HidePort = false

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "${id} ${remote_ip} ${status} ${method} ${path} ${error} ${latency_human} ${bytes_in} ${bytes_out}\n",
	}))
	e.Use(middleware.Recover())

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return &EchoService{
		echo: e,
		port: port,
	}, nil
}

func (s *EchoService) Register(c func(e *echo.Echo)) {
	c(s.echo)
}

func (s *EchoService) Start() error {
	err := s.echo.Start(fmt.Sprintf(":%d", s.port))
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start echo server: %w", err)
	}

	return nil
}

func (s *EchoService) Shutdown(ctx context.Context) error {
	err := s.echo.Shutdown(ctx)
	if err != nil {
		return fmt.Errorf("failed to shutdown echo server: %w", err)
	}

	return nil
}

// HTTPError maps a protocol error onto the status a client should see.
func HTTPError(err error) *echo.HTTPError {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, protocol.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, protocol.ErrTooEarly):
		status = http.StatusTooEarly
	case errors.Is(err, protocol.ErrDuplicateCommit),
		errors.Is(err, protocol.ErrAlreadyRevealed),
		errors.Is(err, protocol.ErrAlreadyFinalized),
		errors.Is(err, protocol.ErrAlreadyTerminal),
		errors.Is(err, protocol.ErrSessionExists),
		errors.Is(err, protocol.ErrOutOfPhase):
		status = http.StatusConflict
	case errors.Is(err, protocol.ErrProtocolViolation):
		status = http.StatusBadRequest
	case errors.Is(err, protocol.ErrEngineUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, protocol.ErrStructuralFailure):
		status = http.StatusUnprocessableEntity
	}

	return echo.NewHTTPError(status, err.Error())
}
