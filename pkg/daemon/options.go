// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package daemon

import (
	"os"
	"strings"

	"github.com/spf13/pflag"
)

// Options are the standard daemon run options.
type Options struct {
	Onetime    bool `help:"run one iteration and exit" default:"false"`
	Nowait     bool `help:"run the first iteration immediately" default:"false"`
	Notransfer bool `help:"skip object store transfers, local test mode" default:"false"`
}

// ApplyString merges option text in the form "--key key=value ...".
func (options *Options) ApplyString(text string) error {
	for _, field := range strings.Fields(text) {
		field = strings.TrimPrefix(field, "--")
		key, value := field, "1"
		if i := strings.Index(field, "="); i >= 0 {
			key, value = field[:i], field[i+1:]
		}
		enabled := parseBool(value)
		switch strings.ToLower(key) {
		case "onetime":
			options.Onetime = enabled
		case "nowait":
			options.Nowait = enabled
		case "notransfer":
			options.Notransfer = enabled
		default:
			return Error.New("unknown option %q", key)
		}
	}
	return nil
}

// Resolve layers the run options from lowest to highest precedence: the
// project options string, the udp_<name> environment variable, and flags
// explicitly set on the command line. The receiver holds the flag-bound
// values.
func (options Options) Resolve(flags *pflag.FlagSet, name, projectOptions string) (Options, error) {
	merged := Options{}
	if err := merged.ApplyString(projectOptions); err != nil {
		return merged, err
	}
	if err := merged.ApplyString(os.Getenv("udp_" + name)); err != nil {
		return merged, err
	}
	if flags != nil {
		if flags.Changed("onetime") {
			merged.Onetime = options.Onetime
		}
		if flags.Changed("nowait") {
			merged.Nowait = options.Nowait
		}
		if flags.Changed("notransfer") {
			merged.Notransfer = options.Notransfer
		}
	}
	return merged, nil
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
