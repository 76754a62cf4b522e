// Copyright (C) 2018 Storj Labs, Inc.
// See LICENSE for copying information.

package process

import (
	"log"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
)

// DefaultConfDir returns the default configuration directory for the named daemon.
func DefaultConfDir(name string) string {
	path := filepath.Join(".udp", name)
	home, err := homedir.Dir()
	if err != nil {
		log.Println(err)
		return path
	}
	return filepath.Join(home, path)
}
