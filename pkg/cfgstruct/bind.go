// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package cfgstruct binds a configuration struct to command line flags.
package cfgstruct

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// BindOpt is an option for the Bind method.
type BindOpt func(vars map[string]string)

// ConfDir sets a variable for default values with the configuration directory,
// replacing $CONFDIR in default tags.
func ConfDir(path string) BindOpt {
	return func(vars map[string]string) {
		vars["CONFDIR"] = path
	}
}

// DefaultsType returns the type of defaults (dev/release) this binary should use,
// from the UDP_DEFAULTS environment variable.
func DefaultsType() string {
	defaults := strings.ToLower(os.Getenv("UDP_DEFAULTS"))
	if defaults != "" {
		return defaults
	}
	return "release"
}

// Bind sets flags on a FlagSet that match the configuration struct fields.
// Every leaf field becomes a flag named by the lower-cased, hyphenated path
// of struct field names joined with dots.
//
// Recognized struct tags: help, default, devDefault, releaseDefault,
// internal (skip), hidden, user, setup (flag annotations).
func Bind(flags *pflag.FlagSet, config interface{}, opts ...BindOpt) {
	ptr := reflect.ValueOf(config)
	if ptr.Kind() != reflect.Ptr {
		panic(fmt.Sprintf("invalid config type: %#v, expected pointer to struct", config))
	}
	vars := map[string]string{}
	for _, opt := range opts {
		opt(vars)
	}
	bindConfig(flags, "", ptr.Elem(), vars)
}

func bindConfig(flags *pflag.FlagSet, prefix string, val reflect.Value, vars map[string]string) {
	if val.Kind() != reflect.Struct {
		panic(fmt.Sprintf("invalid config type: %#v, expected struct", val.Interface()))
	}
	typ := val.Type()

	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		fieldval := val.Field(i)
		flagname := prefix + hyphenate(field.Name)

		if field.Tag.Get("internal") == "true" {
			continue
		}

		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			bindConfig(flags, flagname+".", fieldval, vars)
			continue
		}

		help := field.Tag.Get("help")
		def := expandVars(defaultTag(field), vars)
		fieldaddr := fieldval.Addr().Interface()

		switch field.Type.Kind() {
		case reflect.Bool:
			flags.BoolVar(fieldaddr.(*bool), flagname, parseBool(flagname, def), help)
		case reflect.Int:
			flags.IntVar(fieldaddr.(*int), flagname, int(parseInt(flagname, def)), help)
		case reflect.Int64:
			if field.Type == reflect.TypeOf(time.Duration(0)) {
				flags.DurationVar(fieldaddr.(*time.Duration), flagname, parseDuration(flagname, def), help)
			} else {
				flags.Int64Var(fieldaddr.(*int64), flagname, parseInt(flagname, def), help)
			}
		case reflect.Uint:
			flags.UintVar(fieldaddr.(*uint), flagname, uint(parseUint(flagname, def)), help)
		case reflect.Uint64:
			flags.Uint64Var(fieldaddr.(*uint64), flagname, parseUint(flagname, def), help)
		case reflect.Float64:
			flags.Float64Var(fieldaddr.(*float64), flagname, parseFloat(flagname, def), help)
		case reflect.String:
			flags.StringVar(fieldaddr.(*string), flagname, def, help)
		default:
			panic(fmt.Sprintf("invalid field type %s for flag %q", field.Type, flagname))
		}

		for _, annotation := range []string{"hidden", "user", "setup"} {
			if field.Tag.Get(annotation) == "true" {
				must(flags.SetAnnotation(flagname, annotation, []string{"true"}))
			}
		}
		if field.Tag.Get("hidden") == "true" {
			must(flags.MarkHidden(flagname))
		}
	}
}

// defaultTag picks the default appropriate for the binary's defaults type.
func defaultTag(field reflect.StructField) string {
	if typed, ok := field.Tag.Lookup(DefaultsType() + "Default"); ok {
		return typed
	}
	return field.Tag.Get("default")
}

func expandVars(value string, vars map[string]string) string {
	for name, replacement := range vars {
		value = strings.Replace(value, "$"+name, replacement, -1)
	}
	return value
}

// hyphenate converts a camel-cased field name to a hyphenated flag name.
func hyphenate(name string) string {
	var out strings.Builder
	for i, r := range name {
		if 'A' <= r && r <= 'Z' {
			if i > 0 && name[i-1] >= 'a' && name[i-1] <= 'z' {
				out.WriteByte('-')
			}
			out.WriteRune(r - 'A' + 'a')
			continue
		}
		out.WriteRune(r)
	}
	return out.String()
}

func parseBool(flagname, value string) bool {
	if value == "" {
		return false
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		panic(fmt.Sprintf("invalid bool default for flag %q: %q", flagname, value))
	}
	return parsed
}

func parseInt(flagname, value string) int64 {
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		panic(fmt.Sprintf("invalid int default for flag %q: %q", flagname, value))
	}
	return parsed
}

func parseUint(flagname, value string) uint64 {
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		panic(fmt.Sprintf("invalid uint default for flag %q: %q", flagname, value))
	}
	return parsed
}

func parseFloat(flagname, value string) float64 {
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		panic(fmt.Sprintf("invalid float default for flag %q: %q", flagname, value))
	}
	return parsed
}

func parseDuration(flagname, value string) time.Duration {
	if value == "" {
		return 0
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		panic(fmt.Sprintf("invalid duration default for flag %q: %q", flagname, value))
	}
	return parsed
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
