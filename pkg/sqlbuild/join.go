// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package sqlbuild

import (
	"regexp"
	"strings"
)

var (
	nolockPattern  = regexp.MustCompile(`(?i)\bwith\s*\(\s*nolock\s*\)`)
	bracketPattern = regexp.MustCompile(`\[([^\]]+)\]`)
	dbDotPattern   = regexp.MustCompile(`\b[A-Za-z_][A-Za-z0-9_$#]*\.\.`)
)

// NormalizeJoin rewrites configured join text into a portable form: line
// comments and lock hints are removed, bracket quoting becomes ANSI quoting,
// database..table references collapse to the bare table, and table names
// following a join keyword are schema qualified and quoted.
func NormalizeJoin(join, schema string) (string, error) {
	var lines []string
	for _, line := range strings.Split(join, "\n") {
		if i := strings.Index(line, "--"); i >= 0 {
			line = line[:i]
		}
		lines = append(lines, line)
	}
	join = strings.Join(strings.Fields(strings.Join(lines, " ")), " ")
	if join == "" {
		return "", nil
	}

	if strings.Contains(strings.ToLower(join), "select") {
		return "", Error.New("sub-selects in joins are unsupported: %q", join)
	}

	join = nolockPattern.ReplaceAllString(join, "")
	join = bracketPattern.ReplaceAllString(join, `"$1"`)
	join = dbDotPattern.ReplaceAllString(join, "")
	join = strings.Replace(join, "dbo.", "", -1)

	words := strings.Fields(join)
	for i, word := range words {
		switch strings.ToLower(word) {
		case "natural", "using":
			return "", Error.New("unsupported join form %q", join)
		case "join":
			if i+1 >= len(words) {
				return "", Error.New("join clause ends after keyword: %q", join)
			}
			qualified, err := qualifyTable(words[i+1], schema)
			if err != nil {
				return "", err
			}
			words[i+1] = qualified
		}
	}
	return strings.Join(words, " "), nil
}

func qualifyTable(name, schema string) (string, error) {
	parts := strings.Split(name, ".")
	if len(parts) == 1 {
		parts = []string{schema, parts[0]}
	}
	for i, part := range parts {
		quoted, err := QuoteIdent(part)
		if err != nil {
			return "", err
		}
		parts[i] = quoted
	}
	return strings.Join(parts, "."), nil
}
