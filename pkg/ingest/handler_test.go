package ingest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinymeter/pkg/httpx"
)

func TestHandleSubmit(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "numeric reading",
			body:       `{"meter_id":"M1","time":"2024-03-05T09:00:00Z","reading":5.0}`,
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "string reading",
			body:       `{"meter_id":"M1","time":"2024-03-05 09:00:00","reading":"5.5"}`,
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "invalid json",
			body:       `{"meter_id":`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "malformed_input",
		},
		{
			name:       "non-numeric reading",
			body:       `{"meter_id":"M1","time":"2024-03-05T09:00:00Z","reading":"lots"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "malformed_input",
		},
		{
			name:       "unknown meter",
			body:       `{"meter_id":"M9","time":"2024-03-05T09:00:00Z","reading":1}`,
			wantStatus: http.StatusNotFound,
			wantCode:   "unknown_meter",
		},
		{
			name:       "maintenance window",
			body:       `{"meter_id":"M1","time":"2024-03-05T00:30:00Z","reading":1}`,
			wantStatus: http.StatusForbidden,
			wantCode:   "maintenance_window",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw, _, _ := newGateway(t, midMorning)
			h := NewHandler(gw)

			req := httptest.NewRequest(http.MethodPost, "/v1/readings", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			h.HandleSubmit(w, req)

			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantCode == "" {
				var resp SubmitResponse
				require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
				assert.Equal(t, "accepted", resp.Status)
				assert.Equal(t, "M1", resp.Record.MeterID)
				return
			}
			var resp httpx.ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Equal(t, tt.wantCode, resp.Code)
		})
	}
}
