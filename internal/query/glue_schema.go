package query

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/glue"

	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/apperr"
)

type GlueClient interface {
	GetTable(ctx context.Context, params *glue.GetTableInput, optFns ...func(*glue.Options)) (*glue.GetTableOutput, error)
}

var _ GlueClient = (*glue.Client)(nil)

type TableSchema struct {
	Database   string
	Table      string
	Location   string
	Columns    []Column
	Partitions []Column
}

type Column struct {
	Name string
	Type string
}

// LoadTableSchema reads the crawler-inferred table definition from the Glue
// Data Catalog.
func LoadTableSchema(ctx context.Context, c GlueClient, database, table string) (*TableSchema, error) {
	out, err := c.GetTable(ctx, &glue.GetTableInput{
		DatabaseName: aws.String(database),
		Name:         aws.String(table),
	})
	if err != nil {
		return nil, apperr.IO("glue GetTable", database+"."+table, err)
	}
	if out.Table == nil {
		return nil, fmt.Errorf("glue GetTable %s.%s: empty table", database, table)
	}

	ti := out.Table
	schema := &TableSchema{
		Database: database,
		Table:    aws.ToString(ti.Name),
	}
	if sd := ti.StorageDescriptor; sd != nil {
		schema.Location = aws.ToString(sd.Location)
		for _, col := range sd.Columns {
			schema.Columns = append(schema.Columns, Column{
				Name: aws.ToString(col.Name),
				Type: normalizeType(aws.ToString(col.Type)),
			})
		}
	}
	for _, p := range ti.PartitionKeys {
		schema.Partitions = append(schema.Partitions, Column{
			Name: aws.ToString(p.Name),
			Type: normalizeType(aws.ToString(p.Type)),
		})
	}

	sort.Slice(schema.Columns, func(i, j int) bool { return schema.Columns[i].Name < schema.Columns[j].Name })
	sort.Slice(schema.Partitions, func(i, j int) bool { return schema.Partitions[i].Name < schema.Partitions[j].Name })
	return schema, nil
}

func (s *TableSchema) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	for _, c := range s.Partitions {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Column{}, false
}

// RequireStateCountColumns checks the columns the state counts query reads:
// facility_id, accreditations as an array and location as a struct with a
// state field.
func (s *TableSchema) RequireStateCountColumns() error {
	var missing []string
	if _, ok := s.Column("facility_id"); !ok {
		missing = append(missing, "facility_id")
	}
	if c, ok := s.Column("accreditations"); !ok {
		missing = append(missing, "accreditations")
	} else if !strings.HasPrefix(c.Type, "array<") {
		return fmt.Errorf("table %s.%s: accreditations has type %s, want array", s.Database, s.Table, c.Type)
	}
	if c, ok := s.Column("location"); !ok {
		missing = append(missing, "location")
	} else if !strings.HasPrefix(c.Type, "struct<") || !strings.Contains(c.Type, "state:") {
		return fmt.Errorf("table %s.%s: location has type %s, want struct with state", s.Database, s.Table, c.Type)
	}
	if len(missing) > 0 {
		return fmt.Errorf("table %s.%s is missing columns: %s", s.Database, s.Table, strings.Join(missing, ", "))
	}
	return nil
}

// CompactSchemaText renders the schema as DDL-like text, e.g.:
//
//	DATABASE healthcare_facility_db
//	TABLE raw (
//	  accreditations array<struct<...>>,
//	  ...
//	)
//	LOCATION s3://...
func CompactSchemaText(s *TableSchema) string {
	var b strings.Builder

	fmt.Fprintf(&b, "DATABASE %s\n", s.Database)
	fmt.Fprintf(&b, "TABLE %s (\n", s.Table)
	for i, c := range s.Columns {
		comma := ","
		if i == len(s.Columns)-1 {
			comma = ""
		}
		fmt.Fprintf(&b, "  %s %s%s\n", c.Name, c.Type, comma)
	}
	b.WriteString(")\n")

	if len(s.Partitions) > 0 {
		b.WriteString("PARTITIONED BY (")
		for i, p := range s.Partitions {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s %s", p.Name, p.Type)
		}
		b.WriteString(")\n")
	}
	if s.Location != "" {
		fmt.Fprintf(&b, "LOCATION %s\n", s.Location)
	}
	return b.String()
}

func normalizeType(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}
