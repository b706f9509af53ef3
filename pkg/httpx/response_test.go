package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinymeter/pkg/reading"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{reading.ErrMalformedInput, http.StatusBadRequest},
		{fmt.Errorf("%w: bad time", reading.ErrMalformedInput), http.StatusBadRequest},
		{reading.ErrInvalidRange, http.StatusBadRequest},
		{reading.ErrUnknownMeter, http.StatusNotFound},
		{reading.ErrNotFound, http.StatusNotFound},
		{reading.ErrMaintenanceWindow, http.StatusForbidden},
		{reading.ErrQueueFull, http.StatusServiceUnavailable},
		{errors.New("mystery"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), "err %v", tt.err)
	}
}

func TestRespondFromError(t *testing.T) {
	rr := httptest.NewRecorder()
	RespondFromError(rr, fmt.Errorf("%w: 00:30", reading.ErrMaintenanceWindow))

	require.Equal(t, http.StatusForbidden, rr.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "maintenance_window", resp.Code)
	assert.Contains(t, resp.Message, "00:30")
}

func TestErrorForCode(t *testing.T) {
	for _, e := range statusTable {
		assert.Equal(t, e.err, ErrorForCode(e.code), e.code)
		assert.Equal(t, e.code, CodeFor(ErrorForCode(e.code)))
	}
	assert.Nil(t, ErrorForCode("bogus"))
	assert.Nil(t, ErrorForCode(""))
}
