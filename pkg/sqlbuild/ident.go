// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package sqlbuild renders the SQL statements the pipeline issues against
// the source and warehouse databases. All identifiers pass a whitelist and
// are ANSI quoted; configured free text is normalized before splicing.
package sqlbuild

import (
	"regexp"
	"strings"

	"github.com/zeebo/errs"
)

// Error is the error class for this package.
var Error = errs.Class("sqlbuild error")

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$# ]*$`)

// ValidIdent reports whether name can be safely double quoted.
func ValidIdent(name string) bool {
	return identPattern.MatchString(name)
}

// QuoteIdent wraps name in ANSI double quotes. Names that arrive already
// quoted are unwrapped first so they are not quoted twice.
func QuoteIdent(name string) (string, error) {
	if len(name) >= 2 && strings.HasPrefix(name, `"`) && strings.HasSuffix(name, `"`) {
		name = name[1 : len(name)-1]
	}
	if !ValidIdent(name) {
		return "", Error.New("invalid identifier %q", name)
	}
	return `"` + name + `"`, nil
}

// QuoteQualified quotes a dotted name part by part.
func QuoteQualified(name string) (string, error) {
	parts := strings.Split(name, ".")
	for i, part := range parts {
		quoted, err := QuoteIdent(part)
		if err != nil {
			return "", err
		}
		parts[i] = quoted
	}
	return strings.Join(parts, "."), nil
}

func quoteAll(names []string) ([]string, error) {
	quoted := make([]string, 0, len(names))
	for _, name := range names {
		q, err := QuoteIdent(name)
		if err != nil {
			return nil, err
		}
		quoted = append(quoted, q)
	}
	return quoted, nil
}
