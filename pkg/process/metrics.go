// Copyright (C) 2018 Storj Labs, Inc.
// See LICENSE for copying information.

package process

import (
	"sync"

	hw "github.com/jtolds/monkit-hw"
	"gopkg.in/spacemonkeygo/monkit.v2"
	"gopkg.in/spacemonkeygo/monkit.v2/environment"
)

var metricsOnce sync.Once

// initMetrics registers process environment and hardware statistics into the
// registry. The stats are exposed through the debug endpoint.
func initMetrics(r *monkit.Registry) {
	metricsOnce.Do(func() {
		environment.Register(r)
		hw.Register(r)
	})
}
