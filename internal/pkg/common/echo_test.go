package common_test

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vreid/arbiter/internal/pkg/common"
	"github.com/vreid/arbiter/internal/pkg/protocol"
)

func TestHTTPError(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		err    error
		status int
	}{
		{fmt.Errorf("session s-1: %w", protocol.ErrNotFound), http.StatusNotFound},
		{protocol.ErrTooEarly, http.StatusTooEarly},
		{protocol.ErrDuplicateCommit, http.StatusConflict},
		{protocol.ErrSessionExists, http.StatusConflict},
		{protocol.ErrInvalidReveal, http.StatusBadRequest},
		{protocol.ErrDeadlinePassed, http.StatusBadRequest},
		{fmt.Errorf("create: %w", protocol.ErrEngineUnavailable), http.StatusServiceUnavailable},
		{protocol.ErrTournamentFailed, http.StatusUnprocessableEntity},
		{assert.AnError, http.StatusInternalServerError},
	} {
		assert.Equal(t, tc.status, common.HTTPError(tc.err).Code, tc.err.Error())
	}
}
