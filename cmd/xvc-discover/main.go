// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// xvc-discover scans the USB bus for FTDI JTAG adapters and prints an INI
// configuration fragment xvcd can load directly. It only emits
// device_serial selectors: the d2xx driver xvcd's transport layer uses can
// open a device by serial number or enumeration index, but has no call to
// open by USB bus/address, so a bus/address selector would be accepted by
// this config format but rejected at startup.
package main

import (
	"fmt"
	"os"

	"github.com/google/gousb"
	"github.com/spf13/cobra"
)

// ftdiVendorID is FTDI's USB vendor ID; the HS2 and other FT2232H-based
// adapters enumerate under it.
const ftdiVendorID gousb.ID = 0x0403

var startPort int

func main() {
	root := &cobra.Command{
		Use:   "xvc-discover",
		Short: "Scan the USB bus for FTDI JTAG adapters",
	}
	scan := &cobra.Command{
		Use:   "scan",
		Short: "Print an xvcd.ini fragment, one [instance.*] section per adapter found",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan()
		},
	}
	scan.Flags().IntVar(&startPort, "start-port", 2542, "first TCP port to assign; each subsequent adapter gets the next port")
	root.AddCommand(scan)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type found struct {
	bus, addr int
	serial    string
	product   string
}

func runScan() error {
	ctx := gousb.NewContext()
	defer ctx.Close()

	var adapters []found
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == ftdiVendorID
	})
	for _, d := range devs {
		defer d.Close()
	}
	if err != nil {
		return fmt.Errorf("xvc-discover: enumerate USB devices: %w", err)
	}

	for _, d := range devs {
		serial, err := d.SerialNumber()
		if err != nil {
			serial = ""
		}
		product, err := d.Product()
		if err != nil {
			product = "FTDI device"
		}
		adapters = append(adapters, found{
			bus:     d.Desc.Bus,
			addr:    d.Desc.Address,
			serial:  serial,
			product: product,
		})
	}

	if len(adapters) == 0 {
		fmt.Fprintln(os.Stderr, "xvc-discover: no FTDI devices found")
		return nil
	}

	for i, a := range adapters {
		fmt.Printf("[instance.hs2_%d]\n", i)
		fmt.Printf("# %s (USB bus %d addr %d)\n", a.product, a.bus, a.addr)
		fmt.Printf("port = %d\n", startPort+i)
		if a.serial != "" {
			fmt.Printf("device_serial = %s\n", a.serial)
		} else {
			fmt.Println("# no EEPROM serial number programmed on this adapter; xvcd can only")
			fmt.Println("# select it by device_serial or device_index, so program a serial with")
			fmt.Println("# FTDI's EEPROM tool or set device_index to this adapter's position in")
			fmt.Println("# the d2xx enumeration order (not necessarily the order shown here).")
			fmt.Println("device_index = 0")
		}
		fmt.Println()
	}
	return nil
}
