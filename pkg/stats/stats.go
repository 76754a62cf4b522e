// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package stats collects the per-step metric rows recorded for every
// capture job and published to the warehouse stat log.
package stats

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"time"

	"github.com/zeebo/errs"
)

// Error is the error class for this package.
var Error = errs.Class("stats error")

// Stat types.
const (
	TypeJob   = "job"
	TypeStep  = "step"
	TypeTable = "table"
)

// Step names shared between the capture and archive stages.
const (
	NameCapture  = "capture"
	NameCompress = "compress"
	NameUpload   = "upload"
)

// Stat is one row of the job log.
type Stat struct {
	ScriptName     string    `json:"script_name"`
	ScriptVersion  string    `json:"script_version"`
	ScriptInstance string    `json:"script_instance"`
	ServerName     string    `json:"server_name"`
	AccountName    string    `json:"account_name"`
	Namespace      string    `json:"namespace"`
	JobID          int64     `json:"job_id"`
	StatName       string    `json:"stat_name"`
	StatType       string    `json:"stat_type"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	RunTime        float64   `json:"run_time"`
	RowCount       int64     `json:"row_count"`
	DataSize       int64     `json:"data_size"`
}

// Collector accumulates stat rows for one capture job. It is used from a
// single goroutine.
type Collector struct {
	script Stat
	open   map[string]*Stat
	done   []*Stat
	now    func() time.Time
}

// NewCollector returns a collector stamped with the script identity and the
// local host environment.
func NewCollector(scriptName, scriptVersion, scriptInstance string) *Collector {
	hostname, _ := os.Hostname()
	return &Collector{
		script: Stat{
			ScriptName:     scriptName,
			ScriptVersion:  scriptVersion,
			ScriptInstance: scriptInstance,
			ServerName:     hostname,
			AccountName:    os.Getenv("USER"),
		},
		open: map[string]*Stat{},
		now:  time.Now,
	}
}

// SetJob stamps all following stats with the namespace and job id.
func (collector *Collector) SetJob(namespace string, jobID int64) {
	collector.script.Namespace = namespace
	collector.script.JobID = jobID
}

// Start opens a stat of the given name and type.
func (collector *Collector) Start(name, statType string) {
	stat := collector.script
	stat.StatName = name
	stat.StatType = statType
	stat.StartTime = collector.now()
	collector.open[name] = &stat
}

// Stop closes the named stat, recording its run time and totals.
// Stopping a stat that was never started is ignored.
func (collector *Collector) Stop(name string, rowCount, dataSize int64) {
	stat, ok := collector.open[name]
	if !ok {
		return
	}
	delete(collector.open, name)

	stat.EndTime = collector.now()
	stat.RunTime = stat.EndTime.Sub(stat.StartTime).Seconds()
	stat.RowCount = rowCount
	stat.DataSize = dataSize
	collector.done = append(collector.done, stat)
}

// Rows returns the closed stats in completion order.
func (collector *Collector) Rows() []Stat {
	rows := make([]Stat, 0, len(collector.done))
	for _, stat := range collector.done {
		rows = append(rows, *stat)
	}
	return rows
}

// Reset drops all recorded stats, keeping the script identity.
func (collector *Collector) Reset() {
	collector.open = map[string]*Stat{}
	collector.done = nil
}

// WriteFile writes the closed stats as a JSON document.
func (collector *Collector) WriteFile(path string) error {
	data, err := json.MarshalIndent(collector.Rows(), "", "\t")
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(ioutil.WriteFile(path, data, 0644))
}

// ReadFile reads a stat document written by WriteFile.
func ReadFile(path string) ([]Stat, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	var rows []Stat
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, Error.New("malformed stat log %q: %v", path, err)
	}
	return rows, nil
}
