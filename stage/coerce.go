// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package stage

import (
	"encoding/json"
	"os"
	"strconv"
	"time"

	"udp.io/udp/pkg/warehouse"
)

// timeLayouts are the accepted batch timestamp encodings.
var timeLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// readBatch decodes one batch file into driver rows matching the translated
// target columns.
func readBatch(path string, columns []warehouse.TargetColumn) ([][]interface{}, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = file.Close() }()

	decoder := json.NewDecoder(file)
	decoder.UseNumber()
	var raw [][]interface{}
	if err := decoder.Decode(&raw); err != nil {
		return nil, Error.New("malformed batch %q: %v", path, err)
	}

	rows := make([][]interface{}, 0, len(raw))
	for _, row := range raw {
		coerced, err := coerceRow(columns, row)
		if err != nil {
			return nil, Error.New("batch %q: %v", path, err)
		}
		rows = append(rows, coerced)
	}
	return rows, nil
}

func coerceRow(columns []warehouse.TargetColumn, row []interface{}) ([]interface{}, error) {
	if len(row) != len(columns) {
		return nil, Error.New("row has %d values for %d columns", len(row), len(columns))
	}
	out := make([]interface{}, len(row))
	for i, value := range row {
		coerced, err := coerceValue(columns[i], value)
		if err != nil {
			return nil, err
		}
		out[i] = coerced
	}
	return out, nil
}

// coerceValue converts one JSON value for its target column: date and time
// columns parse their ISO 8601 strings at millisecond precision, text
// columns force a string and integer columns decode exact integers.
func coerceValue(column warehouse.TargetColumn, value interface{}) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	switch {
	case column.IsDateTime():
		text, ok := value.(string)
		if !ok {
			return nil, Error.New("column %q expects a timestamp, got %T", column.Name, value)
		}
		if len(text) > 23 {
			text = text[:23]
		}
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, text); err == nil {
				return parsed, nil
			}
		}
		return nil, Error.New("column %q has unparsable timestamp %q", column.Name, text)

	case column.IsText():
		switch value := value.(type) {
		case string:
			return value, nil
		case json.Number:
			return value.String(), nil
		case bool:
			return strconv.FormatBool(value), nil
		default:
			data, err := json.Marshal(value)
			if err != nil {
				return nil, Error.Wrap(err)
			}
			return string(data), nil
		}

	case column.IsInteger():
		switch value := value.(type) {
		case json.Number:
			n, err := value.Int64()
			if err != nil {
				return nil, Error.New("column %q has non-integer value %q", column.Name, value.String())
			}
			return n, nil
		case bool:
			if value {
				return int64(1), nil
			}
			return int64(0), nil
		default:
			return nil, Error.New("column %q expects an integer, got %T", column.Name, value)
		}

	default:
		if number, ok := value.(json.Number); ok {
			if n, err := number.Int64(); err == nil {
				return n, nil
			}
			f, err := number.Float64()
			if err != nil {
				return nil, Error.New("column %q has unusable number %q", column.Name, number.String())
			}
			return f, nil
		}
		return value, nil
	}
}
