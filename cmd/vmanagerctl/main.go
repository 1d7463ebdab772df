// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Command vmanagerctl is a minimal smoke-test harness for the vmcore
// service layer. Full CLI dispatch (subcommands, flag parsing per
// operation) is a UI concern and explicitly out of scope here; this
// binary only proves a Core wires up against a real config file and can
// list the VMs on a configured server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/vmanager-core"
	"github.com/hashicorp/vmanager-core/internal/config"
	"github.com/hashicorp/vmanager-core/internal/domain"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (defaults built in if omitted)")
	serverURI := flag.String("server", "", "libvirt connection URI to list VMs from")
	flag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "vmanagerctl",
		Level: hclog.Info,
	})

	cfg := config.Default()
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			logger.Error("unable to read config", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg, err = config.Decode(data)
		if err != nil {
			logger.Error("unable to decode config", "path", *configPath, "error", err)
			os.Exit(1)
		}
	}

	core, err := vmcore.New(cfg, logger)
	if err != nil {
		logger.Error("unable to construct core", "error", err)
		os.Exit(1)
	}
	defer core.Close()

	if *serverURI == "" {
		logger.Info("core constructed successfully; pass -server to list VMs")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	vms, err := core.Query.ListVMs(ctx, *serverURI, domain.ListFilter{}, domain.SortByName)
	if err != nil {
		logger.Error("unable to list vms", "server", *serverURI, "error", err)
		os.Exit(1)
	}

	for _, vm := range vms {
		fmt.Printf("%-36s %-20s %s\n", vm.UUID, vm.Name, vm.Status)
	}
}
