// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package watermark persists the per-namespace capture state: the current
// job id and the high-water marks of every captured table.
package watermark

import (
	"bytes"
	"context"
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"
)

// fileVersion is the header line of every job history file.
const fileVersion = "udp-jobhistory/1"

var (
	// Error is the error class for this package.
	Error = errs.Class("watermark error")

	mon = monkit.Package()
)

// TableHistory carries the change data capture high-water marks for one table.
type TableHistory struct {
	LastTimestamp  time.Time `json:"last_timestamp"`
	LastRowversion int64     `json:"last_rowversion,omitempty"`
	LastFilehash   string    `json:"last_filehash,omitempty"`
}

// Advance moves the timestamp watermark forward, never backward.
func (table *TableHistory) Advance(timestamp time.Time) {
	if timestamp.After(table.LastTimestamp) {
		table.LastTimestamp = timestamp
	}
}

// JobHistory is the persisted capture state of one namespace.
type JobHistory struct {
	JobID  int64                    `json:"job_id"`
	Tables map[string]*TableHistory `json:"tables"`
}

// TableHistory returns the entry for the named table, creating an empty one
// on first access. Table names are case-insensitive.
func (history *JobHistory) TableHistory(name string) *TableHistory {
	key := strings.ToLower(name)
	entry, ok := history.Tables[key]
	if !ok {
		entry = &TableHistory{}
		history.Tables[key] = entry
	}
	return entry
}

// Store reads and writes the job history of one namespace. The file carries
// a version header so that a future format change cannot be misread as an
// empty state and silently restart a namespace from job 1.
type Store struct {
	log  *zap.Logger
	dir  string
	path string
}

// NewStore returns a store persisting into dir.
func NewStore(log *zap.Logger, dir, namespace string) *Store {
	return &Store{
		log:  log,
		dir:  dir,
		path: filepath.Join(dir, namespace+".job"),
	}
}

// Dir returns the state directory.
func (store *Store) Dir() string { return store.dir }

// Path returns the job history file path.
func (store *Store) Path() string { return store.path }

// Load reads the persisted job history. A missing file yields job id 1 with
// no table entries. An unreadable or unrecognized file is an error; the
// watermarks are never silently reset.
func (store *Store) Load(ctx context.Context) (_ *JobHistory, err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := ioutil.ReadFile(store.path)
	if err != nil {
		if os.IsNotExist(err) {
			store.log.Info("no job history found, starting from the first job",
				zap.String("path", store.path))
			return &JobHistory{JobID: 1, Tables: map[string]*TableHistory{}}, nil
		}
		return nil, Error.Wrap(err)
	}

	newline := bytes.IndexByte(data, '\n')
	if newline < 0 {
		return nil, Error.New("corrupt job history %q: missing version header", store.path)
	}
	if version := strings.TrimSpace(string(data[:newline])); version != fileVersion {
		return nil, Error.New("unrecognized job history version %q in %q", version, store.path)
	}

	var history JobHistory
	if err := json.Unmarshal(data[newline+1:], &history); err != nil {
		return nil, Error.New("corrupt job history %q: %v", store.path, err)
	}
	if history.JobID < 1 {
		return nil, Error.New("corrupt job history %q: job id %d", store.path, history.JobID)
	}
	if history.Tables == nil {
		history.Tables = map[string]*TableHistory{}
	}
	return &history, nil
}

// Save increments the job id and atomically replaces the persisted state.
// The increment happens only here, after the caller has safely handed off
// the finished job, so a crash before Save reruns the same job id.
func (store *Store) Save(ctx context.Context, history *JobHistory) (err error) {
	defer mon.Task()(&ctx)(&err)

	history.JobID++

	body, err := json.MarshalIndent(history, "", "\t")
	if err != nil {
		return Error.Wrap(err)
	}
	data := append([]byte(fileVersion+"\n"), body...)

	if err := os.MkdirAll(store.dir, 0700); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(atomicWrite(store.path, data))
}

func atomicWrite(path string, data []byte) (err error) {
	file, err := ioutil.TempFile(filepath.Dir(path), filepath.Base(path))
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, os.Remove(file.Name()))
		}
	}()
	if _, err := file.Write(data); err != nil {
		return errs.Combine(err, file.Close())
	}
	if err := file.Sync(); err != nil {
		return errs.Combine(err, file.Close())
	}
	if err := file.Close(); err != nil {
		return err
	}
	if err := os.Chmod(file.Name(), 0644); err != nil {
		return err
	}
	return os.Rename(file.Name(), path)
}
