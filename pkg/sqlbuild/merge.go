// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package sqlbuild

import (
	"fmt"
	"strings"
)

// Merge describes one keyed merge of freshly loaded rows into a target
// table. Rows matching on the primary key are updated, new rows are
// inserted, and rows absent from the source are left alone.
type Merge struct {
	SchemaName string
	TargetName string
	SourceName string
	Columns    []string
	PrimaryKey []string
}

// SQL renders the merge statement.
func (stmt *Merge) SQL() (string, error) {
	if len(stmt.PrimaryKey) == 0 {
		return "", Error.New("merge into %q requires a primary key", stmt.TargetName)
	}
	if len(stmt.Columns) == 0 {
		return "", Error.New("merge into %q has no columns", stmt.TargetName)
	}

	schema, err := QuoteIdent(stmt.SchemaName)
	if err != nil {
		return "", err
	}
	target, err := QuoteIdent(stmt.TargetName)
	if err != nil {
		return "", err
	}
	source, err := QuoteIdent(stmt.SourceName)
	if err != nil {
		return "", err
	}
	columns, err := quoteAll(stmt.Columns)
	if err != nil {
		return "", err
	}
	keys, err := quoteAll(stmt.PrimaryKey)
	if err != nil {
		return "", err
	}

	isKey := make(map[string]bool, len(keys))
	for _, key := range keys {
		isKey[key] = true
	}
	var updates []string
	for _, column := range columns {
		if !isKey[column] {
			updates = append(updates, fmt.Sprintf(`"t".%s = "s".%s`, column, column))
		}
	}

	var conditions []string
	for _, key := range keys {
		if !contains(columns, key) {
			return "", Error.New("primary key %s is not a column of %q", key, stmt.TargetName)
		}
		conditions = append(conditions, fmt.Sprintf(`"s".%s = "t".%s`, key, key))
	}

	var insertValues []string
	for _, column := range columns {
		insertValues = append(insertValues, `"s".`+column)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "merge %s.%s as \"t\"\n", schema, target)
	fmt.Fprintf(&b, "using %s.%s as \"s\"\n", schema, source)
	fmt.Fprintf(&b, "on %s\n", strings.Join(conditions, " and "))
	if len(updates) > 0 {
		fmt.Fprintf(&b, "when matched then update set\n %s\n", strings.Join(updates, ",\n "))
	}
	fmt.Fprintf(&b, "when not matched by target then insert\n (%s)\n values (%s);",
		strings.Join(columns, ", "), strings.Join(insertValues, ", "))

	return b.String(), nil
}

func contains(list []string, item string) bool {
	for _, entry := range list {
		if entry == item {
			return true
		}
	}
	return false
}
