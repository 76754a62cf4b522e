// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package warehouse

import (
	"context"
	"database/sql"

	"github.com/zeebo/errs"

	"udp.io/udp/pkg/bundle"
	"udp.io/udp/pkg/stats"
)

// InsertStat writes one row into the stat log.
func (db *DB) InsertStat(ctx context.Context, stat stats.Stat) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		INSERT INTO `+db.catalog+`.stat_log (
			script_name, script_version, script_instance, server_name,
			account_name, namespace, job_id, stat_name, stat_type,
			start_time, end_time, run_time, row_count, data_size
		) VALUES (@p1, @p2, @p3, @p4, @p5, @p6, @p7, @p8, @p9, @p10, @p11, @p12, @p13, @p14)`,
		stat.ScriptName, stat.ScriptVersion, stat.ScriptInstance, stat.ServerName,
		stat.AccountName, stat.Namespace, stat.JobID, stat.StatName, stat.StatType,
		stat.StartTime, stat.EndTime, stat.RunTime, stat.RowCount, stat.DataSize)
	return Error.Wrap(err)
}

// Arrival is one relayed bundle waiting to be staged.
type Arrival struct {
	Namespace string
	FileName  string
	JobID     int64
}

// InsertArrival records a relayed bundle in the arrival queue. A duplicate
// insert reports already=true; redelivered bundles are not an error.
func (db *DB) InsertArrival(ctx context.Context, arrival Arrival) (already bool, err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		INSERT INTO `+db.catalog+`.stage_arrival_queue
			(namespace, archive_file_name, job_id)
		VALUES (@p1, @p2, @p3)`,
		arrival.Namespace, arrival.FileName, arrival.JobID)
	if isDuplicateKey(err) {
		return true, nil
	}
	return false, Error.Wrap(err)
}

// NextArrival returns the oldest arrival whose job id satisfies the pending
// handshake for its namespace: the pending job id, or 1 when the namespace
// has no pending row yet. It returns nil when nothing is ready.
func (db *DB) NextArrival(ctx context.Context) (_ *Arrival, err error) {
	defer mon.Task()(&ctx)(&err)

	arrival := &Arrival{}
	err = db.db.QueryRowContext(ctx, `
		SELECT TOP 1 a.namespace, a.archive_file_name, a.job_id
		FROM `+db.catalog+`.stage_arrival_queue AS a
		LEFT JOIN `+db.catalog+`.stage_pending_queue AS p
			ON p.namespace = a.namespace
		WHERE a.job_id = COALESCE(p.job_id, 1)
		ORDER BY a.arrival_time`,
	).Scan(&arrival.Namespace, &arrival.FileName, &arrival.JobID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return arrival, nil
}

// Advance completes the staging handshake for a processed bundle: the
// arrival and pending rows are removed and the namespace's next expected
// bundle becomes pending. Runs in one transaction.
func (db *DB) Advance(ctx context.Context, arrival *Arrival) (err error) {
	defer mon.Task()(&ctx)(&err)

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, tx.Rollback())
		}
	}()

	_, err = tx.ExecContext(ctx, `
		DELETE FROM `+db.catalog+`.stage_arrival_queue WHERE archive_file_name = @p1`,
		arrival.FileName)
	if err != nil {
		return Error.Wrap(err)
	}
	_, err = tx.ExecContext(ctx, `
		DELETE FROM `+db.catalog+`.stage_pending_queue WHERE namespace = @p1`,
		arrival.Namespace)
	if err != nil {
		return Error.Wrap(err)
	}

	nextJob := arrival.JobID + 1
	_, err = tx.ExecContext(ctx, `
		INSERT INTO `+db.catalog+`.stage_pending_queue
			(namespace, archive_file_name, job_id)
		VALUES (@p1, @p2, @p3)`,
		arrival.Namespace, bundle.Name(arrival.Namespace, nextJob), nextJob)
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(tx.Commit())
}
