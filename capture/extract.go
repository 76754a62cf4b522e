// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package capture

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"udp.io/udp/pkg/bundle"
	"udp.io/udp/pkg/sqlbuild"
	"udp.io/udp/pkg/stats"
	"udp.io/udp/pkg/tablespec"
	"udp.io/udp/pkg/watermark"
)

// captureTable extracts one table into batch files under workDir and writes
// the spec, schema and primary key documents describing them. It returns the
// number of extracted rows.
func (engine *Engine) captureTable(ctx context.Context, src Source, spec *tablespec.TableSpec, history *watermark.JobHistory, jobID int64, current time.Time, workDir string) (count int64, err error) {
	defer mon.Task()(&ctx)(&err)

	log := engine.log.With(
		zap.String("schema", spec.SchemaName),
		zap.String("table", spec.TableName))

	columns, err := src.Columns(ctx, spec.SchemaName, spec.TableName)
	if err != nil {
		return 0, err
	}
	kept := columns[:0:0]
	for _, column := range columns {
		if !spec.Ignored(column.ColumnName) {
			kept = append(kept, column)
		}
	}
	if len(kept) == 0 {
		return 0, Error.New("table %q has no columns left after ignores", spec.TableName)
	}

	primaryKey, err := src.PrimaryKey(ctx, spec.SchemaName, spec.TableName)
	if err != nil {
		return 0, err
	}
	if len(primaryKey) == 0 {
		primaryKey = spec.PrimaryKeyColumns()
	}

	mode := spec.CDCMode()
	if mode != tablespec.CDCNone && len(primaryKey) == 0 {
		log.Warn("no primary key found, falling back to full refresh")
		mode = tablespec.CDCNone
	}

	// the documents record the effective mode so the loader dispatches the
	// same way this extraction ran
	effective := *spec
	effective.CDC = mode
	if err := effective.Save(workDir); err != nil {
		return 0, err
	}
	if err := tablespec.SaveColumns(workDir, spec.TableName, kept); err != nil {
		return 0, err
	}
	if err := tablespec.SavePrimaryKey(workDir, spec.TableName, primaryKey); err != nil {
		return 0, err
	}

	entry := history.TableHistory(spec.TableName)
	last := entry.LastTimestamp
	if last.IsZero() {
		last, err = spec.FirstTimestampTime()
		if err != nil {
			return 0, err
		}
	}

	timestamps := spec.TimestampColumns()
	useWindow := mode != tablespec.CDCNone && len(timestamps) > 0
	if useWindow && last.After(current) {
		log.Info("capture window not yet open, skipping table",
			zap.Time("last", last), zap.Time("current", current))
		return 0, nil
	}

	names := make([]string, 0, len(kept))
	for _, column := range kept {
		names = append(names, column.ColumnName)
	}
	statement := sqlbuild.Select{
		SchemaName: spec.SchemaName,
		TableName:  spec.TableName,
		Columns:    names,
		JobID:      jobID,
		Timestamp:  timestamps,
		UseWindow:  useWindow,
		Last:       last,
		Current:    current,
		Join:       spec.Join,
		Where:      spec.Where,
		Order:      spec.OrderColumns(),
	}
	query, err := statement.SQL()
	if err != nil {
		return 0, err
	}

	engine.collector.Start(spec.TableName, stats.TypeTable)

	rows, err := src.Query(ctx, query)
	if err != nil {
		return 0, err
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	writer := newBatchWriter(workDir, spec.TableName, engine.config.BatchSize)
	for {
		values, err := rows.Next()
		if err != nil {
			return 0, err
		}
		if values == nil {
			break
		}
		if err := writer.Add(encodeRow(values)); err != nil {
			return 0, err
		}
	}
	if err := writer.Close(); err != nil {
		return 0, err
	}
	count = writer.Rows()

	if mode == tablespec.CDCNone && len(spec.OrderColumns()) > 0 {
		hash, err := fingerprint(writer.Files())
		if err != nil {
			return 0, err
		}
		if hash == entry.LastFilehash {
			log.Info("table unchanged, suppressing batches")
			if err := removeAll(writer.Files()); err != nil {
				return 0, err
			}
			count = 0
		} else {
			entry.LastFilehash = hash
		}
	}

	entry.Advance(current)

	engine.collector.Stop(spec.TableName, count, totalSize(writer.Files()))
	log.Info("table captured", zap.Int64("rows", count))
	return count, nil
}

// encodeRow converts driver values into their JSON batch representation:
// timestamps become ISO 8601 strings and raw bytes become text.
func encodeRow(values []interface{}) []interface{} {
	row := make([]interface{}, len(values))
	for i, value := range values {
		switch value := value.(type) {
		case time.Time:
			row[i] = value.Format("2006-01-02T15:04:05.999999")
		case []byte:
			row[i] = string(value)
		default:
			row[i] = value
		}
	}
	return row
}

// batchWriter spools rows into numbered JSON batch files. The first batch is
// written even when empty so a captured table is always distinguishable from
// a suppressed one.
type batchWriter struct {
	dir   string
	table string
	limit int

	batch [][]interface{}
	files []string
	rows  int64
}

func newBatchWriter(dir, table string, limit int) *batchWriter {
	return &batchWriter{dir: dir, table: table, limit: limit}
}

// Add appends one row, flushing a full batch to disk.
func (writer *batchWriter) Add(row []interface{}) error {
	writer.batch = append(writer.batch, row)
	writer.rows++
	if len(writer.batch) >= writer.limit {
		return writer.flush()
	}
	return nil
}

// Close flushes the remaining rows.
func (writer *batchWriter) Close() error {
	if len(writer.batch) > 0 || len(writer.files) == 0 {
		return writer.flush()
	}
	return nil
}

// Rows returns the number of rows added.
func (writer *batchWriter) Rows() int64 { return writer.rows }

// Files returns the paths of the written batch files in order.
func (writer *batchWriter) Files() []string { return writer.files }

func (writer *batchWriter) flush() error {
	if writer.batch == nil {
		writer.batch = [][]interface{}{}
	}
	data, err := json.Marshal(writer.batch)
	if err != nil {
		return Error.Wrap(err)
	}
	path := filepath.Join(writer.dir, bundle.BatchName(writer.table, len(writer.files)+1))
	if err := ioutil.WriteFile(path, data, 0644); err != nil {
		return Error.Wrap(err)
	}
	writer.files = append(writer.files, path)
	writer.batch = nil
	return nil
}

// fingerprint hashes the contents of the given files in order.
func fingerprint(paths []string) (string, error) {
	hash := sha256.New()
	for _, path := range paths {
		if err := hashFile(hash, path); err != nil {
			return "", Error.Wrap(err)
		}
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

func hashFile(target io.Writer, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	_, err = io.Copy(target, file)
	return errs.Combine(err, file.Close())
}

func removeAll(paths []string) error {
	var group errs.Group
	for _, path := range paths {
		group.Add(os.Remove(path))
	}
	return group.Err()
}

func totalSize(paths []string) (total int64) {
	for _, path := range paths {
		if info, err := os.Stat(path); err == nil {
			total += info.Size()
		}
	}
	return total
}
