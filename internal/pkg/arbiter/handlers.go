package arbiter

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/vreid/arbiter/internal/pkg/common"
	"github.com/vreid/arbiter/internal/pkg/protocol"
)

func (s *ArbiterService) Routes(e *echo.Echo) {
	apiGroup := e.Group("/api")

	sessionsGroup := apiGroup.Group("/sessions")

	sessionsGroup.POST("", s.PostSession)
	sessionsGroup.GET("/:id", s.GetSession)
	sessionsGroup.POST("/:id/commit", s.PostCommit)
	sessionsGroup.POST("/:id/reveal", s.PostReveal)
	sessionsGroup.POST("/:id/finalize", s.PostFinalize)
	sessionsGroup.POST("/:id/start", s.PostStart)
	sessionsGroup.POST("/:id/advance", s.PostAdvance)
	sessionsGroup.POST("/:id/abort", s.PostAbort)
	sessionsGroup.GET("/:id/claims/:participant", s.GetClaim)
	sessionsGroup.GET("/:id/rounds/:round/matches/:index", s.GetMatch)
	sessionsGroup.GET("/:id/result", s.GetResult)

	resultsGroup := apiGroup.Group("/results")

	resultsGroup.POST("/verify", s.PostVerify)
}

func (s *ArbiterService) PostSession(c echo.Context) error {
	var req CreateSessionRequest

	err := c.Bind(&req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	view, err := s.CreateSession(c.Request().Context(), req)
	if err != nil {
		return common.HTTPError(err)
	}

	//nolint:wrapcheck
	return c.JSONPretty(http.StatusCreated, view, "  ")
}

func (s *ArbiterService) GetSession(c echo.Context) error {
	view, err := s.Session(c.Param("id"))
	if err != nil {
		return common.HTTPError(err)
	}

	//nolint:wrapcheck
	return c.JSONPretty(http.StatusOK, view, "  ")
}

func (s *ArbiterService) PostCommit(c echo.Context) error {
	var req CommitRequest

	err := c.Bind(&req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	err = s.Commit(c.Request().Context(), c.Param("id"), req)
	if err != nil {
		return common.HTTPError(err)
	}

	//nolint:wrapcheck
	return c.NoContent(http.StatusAccepted)
}

func (s *ArbiterService) PostReveal(c echo.Context) error {
	var req RevealRequest

	err := c.Bind(&req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	err = s.Reveal(c.Request().Context(), c.Param("id"), req)
	if err != nil {
		return common.HTTPError(err)
	}

	//nolint:wrapcheck
	return c.NoContent(http.StatusAccepted)
}

func (s *ArbiterService) PostFinalize(c echo.Context) error {
	view, err := s.Finalize(c.Request().Context(), c.Param("id"))
	if err != nil {
		return common.HTTPError(err)
	}

	//nolint:wrapcheck
	return c.JSONPretty(http.StatusOK, view, "  ")
}

func (s *ArbiterService) PostStart(c echo.Context) error {
	view, err := s.Start(c.Request().Context(), c.Param("id"))
	if err != nil {
		return common.HTTPError(err)
	}

	//nolint:wrapcheck
	return c.JSONPretty(http.StatusOK, view, "  ")
}

func (s *ArbiterService) PostAdvance(c echo.Context) error {
	view, err := s.Advance(c.Request().Context(), c.Param("id"))
	if err != nil {
		return common.HTTPError(err)
	}

	//nolint:wrapcheck
	return c.JSONPretty(http.StatusOK, view, "  ")
}

func (s *ArbiterService) PostAbort(c echo.Context) error {
	view, err := s.Abort(c.Request().Context(), c.Param("id"))
	if err != nil {
		return common.HTTPError(err)
	}

	//nolint:wrapcheck
	return c.JSONPretty(http.StatusOK, view, "  ")
}

func (s *ArbiterService) GetClaim(c echo.Context) error {
	claim, err := s.Claim(c.Param("id"), protocol.ParticipantID(c.Param("participant")))
	if err != nil {
		return common.HTTPError(err)
	}

	//nolint:wrapcheck
	return c.JSONPretty(http.StatusOK, claim, "  ")
}

func (s *ArbiterService) GetMatch(c echo.Context) error {
	round, err := strconv.Atoi(c.Param("round"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid round")
	}

	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid match index")
	}

	m, err := s.Match(c.Param("id"), round, index)
	if err != nil {
		return common.HTTPError(err)
	}

	//nolint:wrapcheck
	return c.JSONPretty(http.StatusOK, m, "  ")
}

func (s *ArbiterService) GetResult(c echo.Context) error {
	receipt, err := s.Receipt(c.Param("id"))
	if err != nil {
		return common.HTTPError(err)
	}

	//nolint:wrapcheck
	return c.JSONPretty(http.StatusOK, receipt, "  ")
}

func (s *ArbiterService) PostVerify(c echo.Context) error {
	var signed SignedReceipt

	err := c.Bind(&signed)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	//nolint:wrapcheck
	return c.JSON(http.StatusOK, VerifyResponse{
		Valid: VerifyReceipt(signed, []byte(s.SignatureSecret)),
	})
}
