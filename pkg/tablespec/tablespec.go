// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package tablespec defines the declarative table configuration and the
// discovered schema documents that travel inside capture bundles.
package tablespec

import (
	"encoding/json"
	"io/ioutil"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/errs"
)

// Error is the error class for this package.
var Error = errs.Class("tablespec error")

// Change data capture modes.
const (
	CDCNone       = "none"
	CDCTimestamp  = "timestamp"
	CDCRowversion = "rowversion"
)

// DefaultFirstTimestamp is the initial watermark for tables without an
// explicit first_timestamp.
var DefaultFirstTimestamp = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

// TableSpec is the declarative configuration of one captured table,
// read from a table: section of the project configuration.
type TableSpec struct {
	SchemaName     string `json:"schema_name"`
	TableName      string `json:"table_name"`
	TableType      string `json:"table_type,omitempty"`
	CDC            string `json:"cdc,omitempty"`
	Timestamp      string `json:"timestamp,omitempty"`
	PrimaryKey     string `json:"primary_key,omitempty"`
	FirstTimestamp string `json:"first_timestamp,omitempty"`
	IgnoreColumns  string `json:"ignore_columns,omitempty"`
	IgnoreTable    bool   `json:"ignore_table,omitempty"`
	DropTable      bool   `json:"drop_table,omitempty"`
	DeleteWhen     string `json:"delete_when,omitempty"`
	Join           string `json:"join,omitempty"`
	Where          string `json:"where,omitempty"`
	Order          string `json:"order,omitempty"`
}

// Column describes one source column as discovered from the information schema.
type Column struct {
	ColumnName             string `json:"column_name"`
	DataType               string `json:"data_type"`
	CharacterMaximumLength int64  `json:"character_maximum_length,omitempty"`
	NumericPrecision       int64  `json:"numeric_precision,omitempty"`
	NumericScale           int64  `json:"numeric_scale,omitempty"`
	DatetimePrecision      int64  `json:"datetime_precision,omitempty"`
	IsNullable             bool   `json:"is_nullable"`
}

// New returns a TableSpec for the named table built from a table: section's
// key/value pairs.
func New(name string, keys map[string]string) *TableSpec {
	spec := &TableSpec{TableName: name}
	for key, value := range keys {
		switch strings.ToLower(key) {
		case "schema_name", "schema":
			spec.SchemaName = value
		case "table_name":
			spec.TableName = value
		case "table_type":
			spec.TableType = value
		case "cdc":
			spec.CDC = value
		case "timestamp":
			spec.Timestamp = value
		case "primary_key", "pk":
			spec.PrimaryKey = value
		case "first_timestamp":
			spec.FirstTimestamp = value
		case "ignore_columns":
			spec.IgnoreColumns = value
		case "ignore_table":
			spec.IgnoreTable = parseBool(value)
		case "drop_table":
			spec.DropTable = parseBool(value)
		case "delete_when":
			spec.DeleteWhen = value
		case "join":
			spec.Join = value
		case "where":
			spec.Where = value
		case "order":
			spec.Order = value
		}
	}
	return spec
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// CDCMode returns the normalized cdc mode. A table without a primary key or
// timestamp configuration degrades to CDCNone at capture time.
func (spec *TableSpec) CDCMode() string {
	mode := strings.ToLower(strings.TrimSpace(spec.CDC))
	if mode == "" {
		return CDCNone
	}
	return mode
}

// TimestampColumns returns the configured timestamp column list.
func (spec *TableSpec) TimestampColumns() []string {
	return splitList(spec.Timestamp)
}

// PrimaryKeyColumns returns the configured primary key column list.
func (spec *TableSpec) PrimaryKeyColumns() []string {
	return splitList(spec.PrimaryKey)
}

// OrderColumns returns the configured order column list.
func (spec *TableSpec) OrderColumns() []string {
	return splitList(spec.Order)
}

// FirstTimestampTime parses the configured first timestamp,
// defaulting to 1900-01-01.
func (spec *TableSpec) FirstTimestampTime() (time.Time, error) {
	value := strings.TrimSpace(spec.FirstTimestamp)
	if value == "" {
		return DefaultFirstTimestamp, nil
	}
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02", time.RFC3339} {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, Error.New("invalid first_timestamp %q for table %q", value, spec.TableName)
}

// Ignored reports whether the column matches any configured ignore glob.
// Matching is case-insensitive.
func (spec *TableSpec) Ignored(column string) bool {
	column = strings.ToLower(column)
	for _, glob := range splitList(spec.IgnoreColumns) {
		if ok, err := path.Match(strings.ToLower(glob), column); err == nil && ok {
			return true
		}
	}
	return false
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Bundle document suffixes.
const (
	SpecSuffix   = ".table"
	SchemaSuffix = ".schema"
	PKSuffix     = ".pk"
)

// Save writes the spec document into dir as <table>.table.
func (spec *TableSpec) Save(dir string) error {
	return writeDoc(filepath.Join(dir, spec.TableName+SpecSuffix), spec)
}

// Load reads a spec document.
func Load(path string) (*TableSpec, error) {
	spec := &TableSpec{}
	if err := readDoc(path, spec); err != nil {
		return nil, err
	}
	return spec, nil
}

// SaveColumns writes the discovered column metadata into dir as <table>.schema.
func SaveColumns(dir, table string, columns []Column) error {
	return writeDoc(filepath.Join(dir, table+SchemaSuffix), columns)
}

// LoadColumns reads a column metadata document.
func LoadColumns(path string) ([]Column, error) {
	var columns []Column
	if err := readDoc(path, &columns); err != nil {
		return nil, err
	}
	return columns, nil
}

// SavePrimaryKey writes the primary key column list into dir as <table>.pk.
func SavePrimaryKey(dir, table string, primaryKey []string) error {
	if primaryKey == nil {
		primaryKey = []string{}
	}
	return writeDoc(filepath.Join(dir, table+PKSuffix), primaryKey)
}

// LoadPrimaryKey reads a primary key document.
func LoadPrimaryKey(path string) ([]string, error) {
	var primaryKey []string
	if err := readDoc(path, &primaryKey); err != nil {
		return nil, err
	}
	return primaryKey, nil
}

func writeDoc(path string, doc interface{}) error {
	data, err := json.MarshalIndent(doc, "", "\t")
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(ioutil.WriteFile(path, data, 0644))
}

func readDoc(path string, doc interface{}) error {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return Error.Wrap(err)
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return Error.New("malformed document %q: %v", path, err)
	}
	return nil
}
