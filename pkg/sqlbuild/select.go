// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package sqlbuild

import (
	"fmt"
	"strings"
	"time"
)

// sourceAlias is the alias of the captured table in generated selects.
const sourceAlias = "s"

// Select describes one change data capture extraction query. The statement
// is built from validated parts and rendered once by SQL.
type Select struct {
	SchemaName string
	TableName  string
	Columns    []string
	JobID      int64

	// Timestamp is the configured timestamp column list. With UseWindow
	// unset the literal window end is selected instead and no timestamp
	// predicate is emitted.
	Timestamp []string
	UseWindow bool
	Last      time.Time
	Current   time.Time

	Join  string
	Where string
	Order []string
}

// SQL renders the select statement.
func (stmt *Select) SQL() (string, error) {
	if len(stmt.Columns) == 0 {
		return "", Error.New("table %q has no columns to select", stmt.TableName)
	}

	var list []string
	for _, column := range stmt.Columns {
		aliased, err := aliasColumn(column)
		if err != nil {
			return "", err
		}
		list = append(list, aliased)
	}
	list = append(list, fmt.Sprintf(`%d as "udp_job"`, stmt.JobID))

	timestampExpr, err := stmt.timestampExpr()
	if err != nil {
		return "", err
	}
	list = append(list, timestampExpr+` as "udp_timestamp"`)

	schema, err := QuoteIdent(stmt.SchemaName)
	if err != nil {
		return "", err
	}
	table, err := QuoteIdent(stmt.TableName)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "select\n %s\n", strings.Join(list, ",\n "))
	fmt.Fprintf(&b, `from %s.%s as "%s"`, schema, table, sourceAlias)

	join, err := NormalizeJoin(stmt.Join, stmt.SchemaName)
	if err != nil {
		return "", err
	}
	if join != "" {
		b.WriteString("\n" + join)
	}

	where, err := stmt.whereClause(timestampExpr)
	if err != nil {
		return "", err
	}
	if where != "" {
		b.WriteString("\nwhere " + where)
	}

	if len(stmt.Order) > 0 {
		var order []string
		for _, column := range stmt.Order {
			aliased, err := aliasColumn(column)
			if err != nil {
				return "", err
			}
			order = append(order, aliased)
		}
		b.WriteString("\norder by " + strings.Join(order, ", "))
	}

	return b.String(), nil
}

// timestampExpr renders the expression selected as udp_timestamp: the single
// timestamp column, the max over a column list, or the literal window end.
func (stmt *Select) timestampExpr() (string, error) {
	if !stmt.UseWindow || len(stmt.Timestamp) == 0 {
		return "'" + formatTime(stmt.Current) + "'", nil
	}
	if len(stmt.Timestamp) == 1 {
		return aliasColumn(stmt.Timestamp[0])
	}
	var values []string
	for _, column := range stmt.Timestamp {
		aliased, err := aliasColumn(column)
		if err != nil {
			return "", err
		}
		values = append(values, "("+aliased+")")
	}
	return fmt.Sprintf("(select max(v) from (values %s) as value(v))", strings.Join(values, ", ")), nil
}

func (stmt *Select) whereClause(timestampExpr string) (string, error) {
	var parts []string
	if where := strings.TrimSpace(stmt.Where); where != "" {
		if strings.Contains(where, ";") {
			return "", Error.New("invalid where clause %q", where)
		}
		parts = append(parts, "("+where+")")
	}
	if stmt.UseWindow && len(stmt.Timestamp) > 0 {
		parts = append(parts, fmt.Sprintf("(%s >= '%s' and %s < '%s')",
			timestampExpr, formatTime(stmt.Last), timestampExpr, formatTime(stmt.Current)))
	}
	return strings.Join(parts, " and "), nil
}

func aliasColumn(column string) (string, error) {
	quoted, err := QuoteIdent(column)
	if err != nil {
		return "", err
	}
	return `"` + sourceAlias + `".` + quoted, nil
}

// formatTime renders a timestamp literal, with microseconds only when present.
func formatTime(t time.Time) string {
	if t.Nanosecond() == 0 {
		return t.Format("2006-01-02 15:04:05")
	}
	return t.Format("2006-01-02 15:04:05.000000")
}
