// SPDX-License-Identifier: LGPL-3.0-or-later

package main

import (
	"fmt"
	"net"
	"strings"

	"github.com/Bluheir/cacophoney-lib/config"
	"github.com/Bluheir/cacophoney-lib/internal/logger"
	"github.com/Bluheir/cacophoney-lib/message"
	"github.com/Bluheir/cacophoney-lib/transport"
	"github.com/Bluheir/cacophoney-lib/transport/mock"
	"github.com/Bluheir/cacophoney-lib/transport/websocket"
)

// sharedMockContext backs every "mock" transport endpoint created by this
// process, so dial and serve invocations run in the same binary can still
// reach each other by address. It is of no use across processes.
var sharedMockContext = mock.NewContext()

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	return config.Load()
}

func newLogger(cfg *config.LoggingConfig) logger.Logger {
	l := logger.NewDefaultLogger()
	if cfg != nil {
		l.SetLevel(parseLevel(cfg.Level))
	}
	return l
}

func parseLevel(s string) logger.Level {
	switch strings.ToLower(s) {
	case "debug":
		return logger.DebugLevel
	case "warn", "warning":
		return logger.WarnLevel
	case "error":
		return logger.ErrorLevel
	case "fatal":
		return logger.FatalLevel
	default:
		return logger.InfoLevel
	}
}

func resolveAddr(addr string) (net.Addr, error) {
	return net.ResolveTCPAddr("tcp", addr)
}

func buildEndpoint(nodeCfg *config.NodeConfig) (transport.Endpoint, error) {
	switch nodeCfg.Transport {
	case "mock":
		addr, err := resolveAddr(nodeCfg.ListenAddress)
		if err != nil {
			return nil, err
		}
		return mock.NewEndpoint(sharedMockContext, addr), nil
	case "websocket":
		return websocket.NewEndpoint(), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", nodeCfg.Transport)
	}
}

// serverInfo builds the ServerInfo this node records for the peers it
// accepts, or nil if it was not configured with a domain.
func serverInfo(nodeCfg *config.NodeConfig) *message.ServerInfo {
	if nodeCfg.Domain == "" {
		return nil
	}
	return &message.ServerInfo{Domain: nodeCfg.Domain}
}
