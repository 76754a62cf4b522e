// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package project_test

import (
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"udp.io/udp/internal/testcontext"
	"udp.io/udp/pkg/project"
)

const initFile = `
[environment]
work_root = /data/udp

[cloud:capture]
endpoint = s3.amazonaws.com
bucket = udp-capture
`

const connectFile = `
[cloud:capture]
access_key = AKIA123
secret_key = shhh

[database:source]
host = db.internal
port = 5432
`

const projectFile = `
[project]
entity = acme
location = us
system = sales
instance = prod
subject = customer
options = --nowait
batch_size = 500000
capture_dir = {%work_root%}/capture

[schedule]
poll_frequency = 10

[cloud:capture]
bucket = udp-capture-prod

[database:source]
dbname = sales
username = capture
`

const tablesFile = `
[table:customer]
schema_name = sales
cdc = timestamp
timestamp = updated_at
primary_key = id

[table:lookup]
schema_name = sales
cdc = none
order = code
ignore_table = 1
`

func TestLoadLayered(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	write := func(name, content string) string {
		path := ctx.File("conf", name)
		require.NoError(t, ioutil.WriteFile(path, []byte(content), 0644))
		return path
	}

	config, err := project.Load(
		write("init.ini", initFile),
		write("connect.ini", connectFile),
		write("sales.project", projectFile),
		write("customer.tables", tablesFile),
	)
	require.NoError(t, err)

	namespace, err := config.Namespace()
	require.NoError(t, err)
	require.Equal(t, "acme_us_sales_prod_customer", namespace)

	cloud := config.Section(project.TypeCloud, "capture")
	require.NotNil(t, cloud)
	require.Equal(t, "s3.amazonaws.com", cloud.Get("endpoint"))
	require.Equal(t, "AKIA123", cloud.Get("access_key"))
	// later files override earlier values
	require.Equal(t, "udp-capture-prod", cloud.Get("bucket"))

	proj := config.Section(project.TypeProject, "")
	require.Equal(t, int64(500000), proj.GetInt("batch_size", 0))
	require.Equal(t, int64(77), proj.GetInt("missing", 77))
	require.Equal(t, "/data/udp/capture", proj.Get("capture_dir"))

	schedule := config.Section(project.TypeSchedule, "")
	require.Equal(t, int64(10), schedule.GetInt("poll_frequency", 5))

	tables := config.SectionsOf(project.TypeTable)
	require.Len(t, tables, 2)
	require.Equal(t, "customer", tables[0].Name)
	require.Equal(t, "lookup", tables[1].Name)
	require.True(t, tables[1].GetBool("ignore_table"))
	require.False(t, tables[0].GetBool("ignore_table"))

	// keys are case-insensitive
	require.Equal(t, "timestamp", tables[0].Get("CDC"))
}

func TestLoadProject(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	write := func(name, content string) {
		path := ctx.File("conf", name)
		require.NoError(t, ioutil.WriteFile(path, []byte(content), 0644))
	}
	write("init.ini", initFile)
	write("connect.ini", connectFile)
	write("sales.project", projectFile)
	write("sales.tables", tablesFile)
	// bootstrap.ini deliberately absent

	config, err := project.LoadProject(filepath.Dir(ctx.File("conf", "init.ini")), "sales")
	require.NoError(t, err)

	require.Len(t, config.SectionsOf(project.TypeTable), 2)
	cloud := config.Section(project.TypeCloud, "capture")
	require.NotNil(t, cloud)
	require.Equal(t, "udp-capture-prod", cloud.Get("bucket"))

	// the .project file is required
	_, err = project.LoadProject(filepath.Dir(ctx.File("conf", "init.ini")), "missing")
	require.Error(t, err)
}

func TestLoadMissingTemplateKey(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	path := ctx.File("conf", "bad.project")
	require.NoError(t, ioutil.WriteFile(path, []byte("[project]\ndir = {%undefined%}/x\n"), 0644))

	_, err := project.Load(path)
	require.Error(t, err)
	require.True(t, project.Error.Has(err))
}

func TestLoadFileIfExists(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	config := project.New()
	require.NoError(t, config.LoadFileIfExists(ctx.File("conf", "absent.ini")))
	require.Error(t, config.LoadFile(ctx.File("conf", "absent.ini")))
}

func TestNamespaceRequiresParts(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	path := ctx.File("conf", "partial.project")
	require.NoError(t, ioutil.WriteFile(path, []byte("[project]\nentity = acme\n"), 0644))

	config, err := project.Load(path)
	require.NoError(t, err)

	_, err = config.Namespace()
	require.Error(t, err)
}
