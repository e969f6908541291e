package etl

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/facility"
	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/filter"
)

// ExpiringFacilityRow is the flat projection Athena reads from the Parquet output.
type ExpiringFacilityRow struct {
	FacilityID          string `parquet:"name=facility_id, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	FacilityName        string `parquet:"name=facility_name, type=BYTE_ARRAY, convertedtype=UTF8"`
	City                string `parquet:"name=city, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	State               string `parquet:"name=state, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	EmployeeCount       int64  `parquet:"name=employee_count, type=INT64"`
	NextExpiry          string `parquet:"name=next_expiry, type=BYTE_ARRAY, convertedtype=UTF8"` // YYYY-MM-DD
	AccreditationBodies string `parquet:"name=accreditation_bodies, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func projectRows(matches []filter.Match) []ExpiringFacilityRow {
	rows := make([]ExpiringFacilityRow, 0, len(matches))
	for _, m := range matches {
		rows = append(rows, ExpiringFacilityRow{
			FacilityID:          m.Facility.FacilityID,
			FacilityName:        m.Facility.FacilityName,
			City:                m.Facility.Location.City,
			State:               m.Facility.Location.State,
			EmployeeCount:       int64(m.Facility.EmployeeCount),
			NextExpiry:          m.NextExpiry.Format(facility.DateLayout),
			AccreditationBodies: bodies(m.Facility),
		})
	}
	return rows
}

func bodies(f facility.Facility) string {
	seen := map[string]bool{}
	var out []string
	for _, a := range f.Accreditations {
		if a.AccreditationBody != "" && !seen[a.AccreditationBody] {
			seen[a.AccreditationBody] = true
			out = append(out, a.AccreditationBody)
		}
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

// encodeParquet writes rows through a temp file, since the writer needs a
// seekable sink, and returns the file contents.
func encodeParquet(rows []ExpiringFacilityRow) ([]byte, error) {
	localPath := filepath.Join(os.TempDir(), "expiring_facilities_"+randHex(8)+".parquet")
	defer func() { _ = os.Remove(localPath) }()

	fw, err := local.NewLocalFileWriter(localPath)
	if err != nil {
		return nil, fmt.Errorf("parquet file writer: %w", err)
	}

	pw, err := writer.NewParquetWriter(fw, new(ExpiringFacilityRow), 1)
	if err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("parquet writer: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.PageSize = 8 * 1024
	pw.CompressionType = 0 // uncompressed

	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			_ = pw.WriteStop()
			_ = fw.Close()
			return nil, fmt.Errorf("parquet write row %s: %w", row.FacilityID, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("parquet write stop: %w", err)
	}
	if err := fw.Close(); err != nil {
		return nil, fmt.Errorf("parquet close: %w", err)
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, fmt.Errorf("read parquet tmp: %w", err)
	}
	return data, nil
}

func randHex(nBytes int) string {
	b := make([]byte, nBytes)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
