package query

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	athenatypes "github.com/aws/aws-sdk-go-v2/service/athena/types"

	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/apperr"
)

type ResultSet struct {
	QueryExecutionID string
	Columns          []string
	Rows             []map[string]any
	Truncated        bool
}

// FetchResults pages through GetQueryResults. Athena returns the header as the
// first row of the first page; it is dropped. At most maxRows rows are kept.
func FetchResults(ctx context.Context, c AthenaClient, qid string, maxRows int) (*ResultSet, error) {
	if maxRows <= 0 {
		maxRows = 1000
	}
	var (
		nextToken *string
		allRows   []athenatypes.Row
		colInfo   []athenatypes.ColumnInfo
		truncated bool
	)

	for {
		out, err := c.GetQueryResults(ctx, &athena.GetQueryResultsInput{
			QueryExecutionId: aws.String(qid),
			NextToken:        nextToken,
			MaxResults:       aws.Int32(1000),
		})
		if err != nil {
			return nil, apperr.IO("athena GetQueryResults", qid, err)
		}
		if out.ResultSet == nil {
			break
		}
		if colInfo == nil && out.ResultSet.ResultSetMetadata != nil {
			colInfo = out.ResultSet.ResultSetMetadata.ColumnInfo
		}
		allRows = append(allRows, out.ResultSet.Rows...)
		if aws.ToString(out.NextToken) == "" {
			break
		}
		nextToken = out.NextToken

		if len(allRows) > maxRows {
			truncated = true
			break
		}
	}

	cols := make([]string, 0, len(colInfo))
	for _, ci := range colInfo {
		cols = append(cols, aws.ToString(ci.Name))
	}

	rs := &ResultSet{QueryExecutionID: qid, Columns: cols, Truncated: truncated}
	for i, row := range allRows {
		if i == 0 && isHeader(row, cols) {
			continue
		}
		if len(rs.Rows) >= maxRows {
			rs.Truncated = true
			break
		}
		m := make(map[string]any, len(cols))
		for ci, d := range row.Data {
			if ci >= len(cols) {
				continue
			}
			m[cols[ci]] = coerceScalar(aws.ToString(d.VarCharValue))
		}
		rs.Rows = append(rs.Rows, m)
	}
	return rs, nil
}

func isHeader(row athenatypes.Row, cols []string) bool {
	if len(row.Data) != len(cols) || len(cols) == 0 {
		return false
	}
	for i, d := range row.Data {
		if aws.ToString(d.VarCharValue) != cols[i] {
			return false
		}
	}
	return true
}

func coerceScalar(v string) any {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return v
}

// StateCount is one row of the per-state aggregate.
type StateCount struct {
	State string `json:"state"`
	Count int64  `json:"accredited_facility_count"`
}

// StateCounts reads the (state, accredited_facility_count) rows, sorted by
// state. A NULL state (facility without a location) is reported as "".
func StateCounts(rs *ResultSet) ([]StateCount, error) {
	if len(rs.Columns) < 2 {
		return nil, fmt.Errorf("state counts: expected 2 columns, got %v", rs.Columns)
	}
	stateCol, countCol := rs.Columns[0], rs.Columns[1]

	out := make([]StateCount, 0, len(rs.Rows))
	for _, row := range rs.Rows {
		sc := StateCount{}
		switch v := row[stateCol].(type) {
		case nil:
		case string:
			sc.State = v
		default:
			sc.State = fmt.Sprint(v)
		}
		switch v := row[countCol].(type) {
		case int64:
			sc.Count = v
		case nil:
		default:
			return nil, fmt.Errorf("state counts: non-integer count %v for state %q", v, sc.State)
		}
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].State < out[j].State })
	return out, nil
}
