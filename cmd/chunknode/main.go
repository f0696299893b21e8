// Copyright 2024 The ChunkFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/chunkfs/chunkfs/storage"
	"github.com/chunkfs/chunkfs/util/config"
	"github.com/chunkfs/chunkfs/util/exporter"
	"github.com/chunkfs/chunkfs/util/log"
)

const (
	configKeyLogDir       = "logDir"
	configKeyLogLevel     = "logLevel"
	configKeyExporterAddr = "exporterListen"

	role = "chunknode"
)

var (
	configFile = flag.String("c", "", "config file path")
)

func parseLogLevel(s string) log.Level {
	switch s {
	case "debug":
		return log.DebugLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

func run() error {
	cfg, err := config.LoadConfigFile(*configFile)
	if err != nil {
		return err
	}

	logDir := cfg.GetStringWithDefault(configKeyLogDir, "logs")
	l, err := log.InitLog(logDir, role, parseLogLevel(cfg.GetString(configKeyLogLevel)))
	if err != nil {
		return err
	}
	defer l.Close()

	exporter.Init(role, cfg.GetString(configKeyExporterAddr))

	sm, err := storage.NewSpaceManager(cfg)
	if err != nil {
		return err
	}
	sm.Start()
	defer sm.Term()

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigC {
		if sig == syscall.SIGHUP {
			newCfg, loadErr := config.LoadConfigFile(*configFile)
			if loadErr != nil {
				log.LogErrorf("reload: can't read config file %v: %v", *configFile, loadErr)
				continue
			}
			if reloadErr := sm.Reload(newCfg); reloadErr != nil {
				log.LogErrorf("reload failed: %v", reloadErr)
			}
			continue
		}
		log.LogInfof("received signal %v, shutting down", sig)
		return nil
	}
	return nil
}

func main() {
	flag.Parse()
	if *configFile == "" {
		fmt.Fprintln(os.Stderr, "usage: chunknode -c <config file>")
		os.Exit(1)
	}
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chunknode: %v\n", err)
		os.Exit(1)
	}
}
