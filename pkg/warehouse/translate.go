// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package warehouse

import (
	"strings"

	"udp.io/udp/pkg/tablespec"
)

// TargetColumn is one column of a staged table in warehouse types.
type TargetColumn struct {
	Name string
	Type string
}

// translations maps lower-cased source types to warehouse types.
// Unlisted types pass through unchanged.
var translations = map[string]string{
	"array":                       "nvarchar(512)",
	"bigint":                      "bigint",
	"boolean":                     "tinyint",
	"character varying":           "nvarchar(768)",
	"date":                        "date",
	"integer":                     "int",
	"jsonb":                       "nvarchar(max)",
	"text":                        "nvarchar(max)",
	"timestamp without time zone": "datetime2(7)",
	"user defined":                "nvarchar(128)",
	"user-defined":                "nvarchar(128)",
	"uuid":                        "nvarchar(36)",
}

// Translate maps discovered source columns to the staged table layout and
// appends the fixed provenance columns.
func Translate(columns []tablespec.Column) []TargetColumn {
	out := make([]TargetColumn, 0, len(columns)+2)
	for _, column := range columns {
		target, ok := translations[strings.ToLower(column.DataType)]
		if !ok {
			target = column.DataType
		}
		out = append(out, TargetColumn{Name: column.ColumnName, Type: target})
	}
	return append(out,
		TargetColumn{Name: "udp_jobid", Type: "int"},
		TargetColumn{Name: "udp_timestamp", Type: "datetime2"},
	)
}

// Names returns the column names in layout order.
func Names(columns []TargetColumn) []string {
	names := make([]string, 0, len(columns))
	for _, column := range columns {
		names = append(names, column.Name)
	}
	return names
}

// IsDateTime reports whether values bound to the column must be times.
func (column TargetColumn) IsDateTime() bool {
	kind := strings.ToLower(column.Type)
	return kind == "date" || strings.HasPrefix(kind, "datetime")
}

// IsText reports whether the column stores character data.
func (column TargetColumn) IsText() bool {
	kind := strings.ToLower(column.Type)
	return strings.HasPrefix(kind, "nvarchar") || strings.HasPrefix(kind, "varchar") ||
		strings.HasPrefix(kind, "nchar") || strings.HasPrefix(kind, "char")
}

// IsInteger reports whether the column stores integers.
func (column TargetColumn) IsInteger() bool {
	switch strings.ToLower(column.Type) {
	case "int", "bigint", "smallint", "tinyint":
		return true
	}
	return false
}
