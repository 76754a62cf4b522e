// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package process

import (
	"context"
	"flag"
	"net"

	"go.uber.org/zap"
	"gopkg.in/spacemonkeygo/monkit.v2"

	"udp.io/udp/pkg/debug"
)

var debugAddr = flag.String("debug.addr", "127.0.0.1:0", "address to listen on for debug endpoints")

func initDebug(log *zap.Logger, registry *monkit.Registry) error {
	if *debugAddr == "" {
		return nil
	}
	listener, err := net.Listen("tcp", *debugAddr)
	if err != nil {
		return err
	}

	server := debug.NewServer(log.Named("debug"), listener, registry)
	go func() {
		log.Debug("debug server listening", zap.Stringer("addr", listener.Addr()))
		if err := server.Run(context.TODO()); err != nil {
			log.Error("debug server died", zap.Error(err))
		}
	}()
	return nil
}
