package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	apperrors "keygate/internal/errors"
	"keygate/internal/catalog"
	"keygate/internal/exporter"
	"keygate/internal/sqlite"
)

// fakeActivationLog serves scripted audit rows.
type fakeActivationLog struct {
	rows []*sqlite.ActivationRow
	err  error
}

func (f *fakeActivationLog) ListActivationsByStore(context.Context, string) ([]*sqlite.ActivationRow, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.rows, nil
}

func parseReportCSV(t *testing.T, data []byte) [][]string {
	t.Helper()
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	require.NoError(t, err)
	return records
}

func TestReportServiceActivationsCSV(t *testing.T) {
	audit := &fakeActivationLog{rows: []*sqlite.ActivationRow{
		{
			StoreID:         testStoreID,
			LicenseID:       "1000",
			Identity:        "user-a",
			ActivationID:    "41",
			CreatedAtUnixMs: time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC).UnixMilli(),
		},
	}}
	service := NewReportService(linkedDirectory(), audit, catalog.NewCache(nil, nil, testLogger()), testLogger())

	var buf bytes.Buffer
	err := service.WriteActivations(context.Background(), &buf, testStoreID, exporter.FormatCSV)
	require.NoError(t, err)

	records := parseReportCSV(t, buf.Bytes())
	require.Len(t, records, 2)
	assert.Equal(t, []string{testStoreID, "1000", "user-a", "41", "2026-03-01 09:30:00"}, records[1])
}

func TestReportServiceActivationsXLSX(t *testing.T) {
	audit := &fakeActivationLog{rows: []*sqlite.ActivationRow{
		{StoreID: testStoreID, LicenseID: "1000", Identity: "user-a", ActivationID: "41"},
	}}
	service := NewReportService(linkedDirectory(), audit, catalog.NewCache(nil, nil, testLogger()), testLogger())

	var buf bytes.Buffer
	err := service.WriteActivations(context.Background(), &buf, testStoreID, exporter.FormatXLSX)
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("Activations")
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestReportServiceActivationsUnknownStore(t *testing.T) {
	service := NewReportService(&fakeDirectory{}, &fakeActivationLog{}, catalog.NewCache(nil, nil, testLogger()), testLogger())

	var buf bytes.Buffer
	err := service.WriteActivations(context.Background(), &buf, "ghost", exporter.FormatCSV)
	require.ErrorIs(t, err, apperrors.ErrStoreNotLinked)
	assert.Zero(t, buf.Len(), "nothing written on a refused report")
}

func TestReportServiceCatalog(t *testing.T) {
	cache := seededCache(t, testStoreID)
	service := NewReportService(linkedDirectory(), &fakeActivationLog{}, cache, testLogger())

	var buf bytes.Buffer
	err := service.WriteCatalog(context.Background(), &buf, testStoreID, exporter.FormatCSV)
	require.NoError(t, err)

	records := parseReportCSV(t, buf.Bytes())
	require.Len(t, records, 4, "header, one versioned row, two versionless rows")
	assert.Equal(t, []string{"p-1", "Dragon Avatar", "v-1", "1.0"}, records[1])
}

func TestReportServiceCatalogEmptyForLinkedStore(t *testing.T) {
	service := NewReportService(linkedDirectory(), &fakeActivationLog{}, catalog.NewCache(nil, nil, testLogger()), testLogger())

	var buf bytes.Buffer
	err := service.WriteCatalog(context.Background(), &buf, testStoreID, exporter.FormatCSV)
	require.NoError(t, err)

	records := parseReportCSV(t, buf.Bytes())
	require.Len(t, records, 1, "linked store with no cache yields only headers")
}
