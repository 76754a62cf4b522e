// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package bundle reads and writes the zip artifacts that carry captured
// data between the pipeline stages.
package bundle

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/zeebo/errs"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"
)

// StateName is the name of the recovery bundle holding the capture state.
const StateName = "capture_state.zip"

var (
	// Error is the error class for this package.
	Error = errs.Class("bundle error")

	mon = monkit.Package()
)

// Name returns the bundle file name for a namespace and job id.
func Name(namespace string, jobID int64) string {
	return fmt.Sprintf("%s#%09d.zip", namespace, jobID)
}

// Key returns the object store key of a bundle file name.
func Key(namespace, name string) string {
	return namespace + "/" + name
}

// ParseName splits a bundle file name into its namespace and job id.
func ParseName(name string) (namespace string, jobID int64, err error) {
	base := strings.TrimSuffix(name, ".zip")
	if base == name {
		return "", 0, Error.New("not a bundle name: %q", name)
	}
	hash := strings.LastIndex(base, "#")
	if hash < 1 {
		return "", 0, Error.New("not a bundle name: %q", name)
	}
	jobID, err = strconv.ParseInt(base[hash+1:], 10, 64)
	if err != nil || jobID < 1 {
		return "", 0, Error.New("invalid job id in bundle name %q", name)
	}
	return base[:hash], jobID, nil
}

// BatchName returns the bundle entry name of the seq-th data batch of a
// table, counting from one.
func BatchName(table string, seq int) string {
	return fmt.Sprintf("%s#%04d.json", table, seq)
}

// ParseBatchName splits a batch entry name into its table name and sequence
// number. It reports false for other bundle documents.
func ParseBatchName(name string) (table string, seq int, ok bool) {
	base := strings.TrimSuffix(name, ".json")
	if base == name {
		return "", 0, false
	}
	hash := strings.LastIndex(base, "#")
	if hash < 1 {
		return "", 0, false
	}
	seq, err := strconv.Atoi(base[hash+1:])
	if err != nil || seq < 1 {
		return "", 0, false
	}
	return base[:hash], seq, true
}

// Write zips every file directly under dir into a bundle at path.
// Entries are deflate compressed and written in sorted name order.
func Write(ctx context.Context, path, dir string) (err error) {
	defer mon.Task()(&ctx)(&err)

	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		return Error.Wrap(err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Mode().IsRegular() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	file, err := os.Create(path)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, file.Close(), os.Remove(path))
		}
	}()

	writer := zip.NewWriter(file)
	for _, name := range names {
		if err := addEntry(writer, name, filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	if err := writer.Close(); err != nil {
		return Error.Wrap(err)
	}
	if err := file.Sync(); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(file.Close())
}

func addEntry(writer *zip.Writer, name, path string) error {
	source, err := os.Open(path)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = source.Close() }()

	header := &zip.FileHeader{Name: name, Method: zip.Deflate}
	if info, err := source.Stat(); err == nil {
		header.SetModTime(info.ModTime())
	}
	entry, err := writer.CreateHeader(header)
	if err != nil {
		return Error.Wrap(err)
	}
	_, err = io.Copy(entry, source)
	return Error.Wrap(err)
}

// ReadEntry returns the contents of the named entry of the bundle at path.
// It reports false when the bundle has no such entry.
func ReadEntry(ctx context.Context, path, name string) (_ []byte, found bool, err error) {
	defer mon.Task()(&ctx)(&err)

	reader, err := zip.OpenReader(path)
	if err != nil {
		return nil, false, Error.New("unreadable bundle %q: %v", path, err)
	}
	defer func() { err = errs.Combine(err, reader.Close()) }()

	for _, entry := range reader.File {
		if entry.Name != name {
			continue
		}
		source, err := entry.Open()
		if err != nil {
			return nil, false, Error.Wrap(err)
		}
		data, err := ioutil.ReadAll(source)
		return data, true, Error.Wrap(errs.Combine(err, source.Close()))
	}
	return nil, false, nil
}

// Extract unpacks every entry of the bundle at path into dir.
// Entry names containing path separators are rejected.
func Extract(ctx context.Context, path, dir string) (err error) {
	defer mon.Task()(&ctx)(&err)

	reader, err := zip.OpenReader(path)
	if err != nil {
		return Error.New("unreadable bundle %q: %v", path, err)
	}
	defer func() { err = errs.Combine(err, reader.Close()) }()

	if err := os.MkdirAll(dir, 0700); err != nil {
		return Error.Wrap(err)
	}
	for _, entry := range reader.File {
		if strings.ContainsAny(entry.Name, `/\`) {
			return Error.New("unsafe entry name %q in bundle %q", entry.Name, path)
		}
		if err := extractEntry(entry, filepath.Join(dir, entry.Name)); err != nil {
			return err
		}
	}
	return nil
}

func extractEntry(entry *zip.File, path string) error {
	source, err := entry.Open()
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = source.Close() }()

	target, err := os.Create(path)
	if err != nil {
		return Error.Wrap(err)
	}
	if _, err := io.Copy(target, source); err != nil {
		return Error.Wrap(errs.Combine(err, target.Close()))
	}
	return Error.Wrap(target.Close())
}
