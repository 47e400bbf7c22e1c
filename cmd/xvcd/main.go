// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// xvcd serves one Xilinx Virtual Cable TCP port per FTDI adapter listed in
// its configuration file.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/anshi233/xvc-server-d2xx/internal/config"
	"github.com/anshi233/xvc-server-d2xx/internal/instance"
)

var (
	configPath string
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:   "xvcd",
		Short: "Xilinx Virtual Cable bridge for FTDI HS2/FT2232H adapters",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/xvcd/xvcd.ini", "path to the instance configuration file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.AddCommand(serveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Load the configuration and run every configured instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	instances, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, len(instances))
	for i, inst := range instances {
		i, inst := i, inst
		entry := log.WithField("instance", inst.Name)
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = instance.New(inst.Config, entry).Run(ctx)
			if errs[i] != nil {
				entry.WithError(errs[i]).Error("xvcd: instance exited")
				cancel() // a startup/transport-fatal exit takes the whole daemon down
			}
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			// A startup failure or a transport-fatal session forced an
			// instance down; reflect that in the process exit code.
			os.Exit(1)
		}
	}
	return nil
}
