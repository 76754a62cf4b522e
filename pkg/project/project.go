// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package project loads the layered INI configuration describing one
// pipeline project: cloud endpoints, databases, the schedule, and the
// captured table specs.
package project

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	ini "github.com/go-ini/ini"
	"github.com/zeebo/errs"
)

// Error is the error class for this package.
var Error = errs.Class("project error")

// Section types.
const (
	TypeCloud    = "cloud"
	TypeDatabase = "database"
	TypeDatapool = "datapool"
	TypeProject  = "project"
	TypeSchedule = "schedule"
	TypeTable    = "table"
)

var templatePattern = regexp.MustCompile(`\{%([^%{}]+)%\}`)

// Section is one typed configuration record, identified by a
// "type:name" section header.
type Section struct {
	Type string
	Name string
	Keys map[string]string
}

// Get returns the value of a key, "" when absent. Keys are case-insensitive.
func (section *Section) Get(key string) string {
	return section.Keys[strings.ToLower(key)]
}

// GetDefault returns the value of a key, or fallback when absent or empty.
func (section *Section) GetDefault(key, fallback string) string {
	if value := section.Get(key); value != "" {
		return value
	}
	return fallback
}

// GetBool interprets a key as a boolean flag.
func (section *Section) GetBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(section.Get(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// GetInt interprets a key as an integer, returning fallback when
// absent or malformed.
func (section *Section) GetInt(key string, fallback int64) int64 {
	value, err := strconv.ParseInt(strings.TrimSpace(section.Get(key)), 10, 64)
	if err != nil {
		return fallback
	}
	return value
}

// Config is the merged view over the loaded configuration files.
// Later files override earlier ones section by section, key by key.
type Config struct {
	sections map[string]*Section
	values   map[string]string
}

// New returns an empty configuration.
func New() *Config {
	return &Config{
		sections: map[string]*Section{},
		values:   map[string]string{},
	}
}

// Load merges the given files in order.
func Load(paths ...string) (*Config, error) {
	config := New()
	for _, path := range paths {
		if err := config.LoadFile(path); err != nil {
			return nil, err
		}
	}
	return config, nil
}

// LoadProject loads the layered configuration of the named project from dir:
// the shared bootstrap.ini, init.ini and connect.ini when present, then the
// required <name>.project, then <name>.tables when present.
func LoadProject(dir, name string) (*Config, error) {
	config := New()
	for _, shared := range []string{"bootstrap.ini", "init.ini", "connect.ini"} {
		if err := config.LoadFileIfExists(filepath.Join(dir, shared)); err != nil {
			return nil, err
		}
	}
	if err := config.LoadFile(filepath.Join(dir, name+".project")); err != nil {
		return nil, err
	}
	if err := config.LoadFileIfExists(filepath.Join(dir, name+".tables")); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadFile merges one file into the configuration.
func (config *Config) LoadFile(path string) error {
	file, err := ini.LoadSources(ini.LoadOptions{Insensitive: true}, path)
	if err != nil {
		return Error.New("unable to load %q: %v", path, err)
	}

	for _, loaded := range file.Sections() {
		if loaded.Name() == strings.ToLower(ini.DEFAULT_SECTION) && len(loaded.Keys()) == 0 {
			continue
		}
		sectionType, sectionName := splitSectionName(loaded.Name())
		section := config.section(sectionType, sectionName)
		for _, key := range loaded.Keys() {
			value, err := config.expand(key.Value())
			if err != nil {
				return Error.New("in %q section %q: %v", path, loaded.Name(), err)
			}
			section.Keys[key.Name()] = value
			config.values[key.Name()] = value
		}
	}
	return nil
}

// LoadFileIfExists merges one file, ignoring a missing file.
func (config *Config) LoadFileIfExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return config.LoadFile(path)
}

func splitSectionName(name string) (sectionType, sectionName string) {
	if i := strings.Index(name, ":"); i >= 0 {
		return strings.TrimSpace(name[:i]), strings.TrimSpace(name[i+1:])
	}
	return strings.TrimSpace(name), ""
}

func (config *Config) section(sectionType, sectionName string) *Section {
	id := sectionType
	if sectionName != "" {
		id += ":" + sectionName
	}
	section, ok := config.sections[id]
	if !ok {
		section = &Section{Type: sectionType, Name: sectionName, Keys: map[string]string{}}
		config.sections[id] = section
	}
	return section
}

// expand substitutes {%key%} templates with previously loaded values.
func (config *Config) expand(value string) (string, error) {
	var missing []string
	expanded := templatePattern.ReplaceAllStringFunc(value, func(match string) string {
		key := strings.ToLower(strings.TrimSpace(match[2 : len(match)-2]))
		replacement, ok := config.values[key]
		if !ok {
			missing = append(missing, key)
			return match
		}
		return replacement
	})
	if len(missing) > 0 {
		return "", Error.New("undefined template keys %v in %q", missing, value)
	}
	return expanded, nil
}

// Section returns the section of the given type and name, nil when absent.
// Singleton sections use an empty name.
func (config *Config) Section(sectionType, sectionName string) *Section {
	id := strings.ToLower(sectionType)
	if sectionName != "" {
		id += ":" + strings.ToLower(sectionName)
	}
	return config.sections[id]
}

// SectionsOf returns every section of the given type, sorted by name.
func (config *Config) SectionsOf(sectionType string) []*Section {
	var matched []*Section
	for _, section := range config.sections {
		if section.Type == strings.ToLower(sectionType) {
			matched = append(matched, section)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Name < matched[j].Name })
	return matched
}

// Namespace composes the project namespace,
// entity_location_system_instance_subject.
func (config *Config) Namespace() (string, error) {
	section := config.Section(TypeProject, "")
	if section == nil {
		return "", Error.New("missing project section")
	}
	parts := make([]string, 0, 5)
	for _, key := range []string{"entity", "location", "system", "instance", "subject"} {
		value := strings.TrimSpace(section.Get(key))
		if value == "" {
			return "", Error.New("project section is missing %q", key)
		}
		parts = append(parts, value)
	}
	return strings.Join(parts, "_"), nil
}
