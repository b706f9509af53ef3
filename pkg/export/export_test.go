package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinymeter/pkg/reading"
	"github.com/nicktill/tinymeter/pkg/storage/memory"
)

var now = time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

func seededStore(t *testing.T) *memory.Storage {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.Append(ctx, reading.Record{MeterID: "M1", Timestamp: now.Add(-time.Hour), Reading: 5}))
	require.NoError(t, store.Append(ctx, reading.Record{MeterID: "M2", Timestamp: now.Add(-time.Hour), Reading: 9}))
	require.NoError(t, store.AppendAggregates(ctx, []reading.DailyAggregate{
		{MeterID: "M1", Date: "2024-03-03", Reading: 2, LastTimestamp: time.Date(2024, 3, 3, 21, 0, 0, 0, time.UTC), Samples: 4},
		{MeterID: "M1", Date: "2024-03-04", Reading: 4, LastTimestamp: time.Date(2024, 3, 4, 21, 0, 0, 0, time.UTC), Samples: 3},
		{MeterID: "M2", Date: "2024-03-04", Reading: 8, LastTimestamp: time.Date(2024, 3, 4, 22, 0, 0, 0, time.UTC), Samples: 1},
	}))
	require.NoError(t, store.AppendMonthly(ctx, []reading.MonthlySummary{
		{MeterID: "M1", Month: "2024-01", Opening: 0, Closing: 1, Usage: 1, Days: 31},
		{MeterID: "M1", Month: "2024-02", Opening: 1, Closing: 2, Usage: 1, Days: 29},
	}))
	return store
}

func newExporter(t *testing.T) *Exporter {
	return NewExporter(seededStore(t), clockwork.NewFakeClockAt(now), time.UTC)
}

func TestExportToJSON_Daily(t *testing.T) {
	exp := newExporter(t)
	buf := &bytes.Buffer{}

	result, err := exp.ExportToJSON(context.Background(), buf, ExportOptions{
		Dataset: DatasetDaily,
		MeterID: "M1",
		Start:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		End:     now,
		Format:  "json",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Rows)

	var doc struct {
		Metadata Metadata                 `json:"metadata"`
		Rows     []reading.DailyAggregate `json:"rows"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, DatasetDaily, doc.Metadata.Dataset)
	assert.Equal(t, 2, doc.Metadata.RowCount)
	assert.True(t, doc.Metadata.ExportedAt.Equal(now))
	require.Len(t, doc.Rows, 2)
	assert.Equal(t, "2024-03-03", doc.Rows[0].Date)
	assert.Equal(t, 4.0, doc.Rows[1].Reading)
}

func TestExportToCSV_Readings(t *testing.T) {
	exp := newExporter(t)
	buf := &bytes.Buffer{}

	result, err := exp.ExportToCSV(context.Background(), buf, ExportOptions{
		Dataset: DatasetReadings,
		Start:   now.Add(-24 * time.Hour),
		End:     now,
		Format:  "csv",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Rows)

	records, err := csv.NewReader(buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"meter_id", "time", "reading"}, records[0])
	assert.Equal(t, []string{"M1", "2024-03-05T09:00:00Z", "5"}, records[1])
}

func TestExportToCSV_MonthlyRange(t *testing.T) {
	exp := newExporter(t)
	buf := &bytes.Buffer{}

	result, err := exp.ExportToCSV(context.Background(), buf, ExportOptions{
		Dataset: DatasetMonthly,
		Start:   time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC),
		End:     now,
		Format:  "csv",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Rows)

	records, err := csv.NewReader(buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "2024-02", records[1][1])
	assert.Equal(t, "29", records[1][5])
}

func TestParseDataset(t *testing.T) {
	d, err := ParseDataset("")
	require.NoError(t, err)
	assert.Equal(t, DatasetDaily, d)

	_, err = ParseDataset("everything")
	assert.ErrorIs(t, err, reading.ErrMalformedInput)
}

func TestHandleExport(t *testing.T) {
	h := NewHandler(seededStore(t), clockwork.NewFakeClockAt(now), time.UTC, nil)

	tests := []struct {
		name       string
		url        string
		wantStatus int
		wantType   string
		wantInName string
	}{
		{"default daily json", "/v1/export", http.StatusOK, "application/json", "tinymeter-daily-"},
		{"csv readings", "/v1/export?dataset=readings&format=csv&meter=M2", http.StatusOK, "text/csv", ".csv"},
		{"bad format", "/v1/export?format=xml", http.StatusBadRequest, "", ""},
		{"bad dataset", "/v1/export?dataset=nope", http.StatusBadRequest, "", ""},
		{"inverted range", "/v1/export?start=2024-03-05&end=2024-03-01", http.StatusBadRequest, "", ""},
		{"range too large", "/v1/export?start=2020-01-01&end=2024-03-01", http.StatusBadRequest, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.HandleExport(w, httptest.NewRequest(http.MethodGet, tt.url, nil))
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantType != "" {
				assert.Equal(t, tt.wantType, w.Header().Get("Content-Type"))
				assert.Contains(t, w.Header().Get("Content-Disposition"), tt.wantInName)
			}
		})
	}
}
