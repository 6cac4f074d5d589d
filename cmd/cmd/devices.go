// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/antflydb/clipper/lib/backends"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Show GPU detection and the device clipper would use",
	RunE:  runDevices,
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}

func runDevices(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	selector := &backends.Selector{Logger: logger}
	device, err := selectConfiguredDevice(selector, viper.GetBool("cpu"), viper.GetString("device"))
	if err != nil {
		return err
	}

	var gpu backends.GPUInfo
	if !viper.GetBool("cpu") {
		gpu = backends.DetectGPU()
	}
	printDevices(cmd.OutOrStdout(), gpu, backends.ListBackends(), device)
	return nil
}

// selectConfiguredDevice applies the same rules as clipper.New.
func selectConfiguredDevice(s *backends.Selector, useCPU bool, requested string) (backends.Device, error) {
	switch strings.ToLower(strings.TrimSpace(requested)) {
	case "", "auto":
		return s.Select(useCPU), nil
	}
	want, err := backends.ParseDevice(requested)
	if err != nil {
		return backends.DeviceCPU, err
	}
	if useCPU {
		return backends.DeviceCPU, nil
	}
	return s.SelectPreferred(want), nil
}

func printDevices(w io.Writer, gpu backends.GPUInfo, list []backends.Backend, selected backends.Device) {
	if gpu.Available {
		fmt.Fprintf(w, "GPU: %s (%s)\n", gpu.DeviceName, gpu.Type)
		if gpu.DriverVer != "" {
			fmt.Fprintf(w, "  driver %s", gpu.DriverVer)
			if gpu.CUDAVersion != "" {
				fmt.Fprintf(w, ", CUDA %s", gpu.CUDAVersion)
			}
			fmt.Fprintln(w)
		}
	} else {
		fmt.Fprintln(w, "GPU: none detected")
	}

	fmt.Fprintln(w, "\nBackends:")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  NAME\tPRIORITY\tCPU\tCUDA\tMETAL")
	for _, b := range list {
		fmt.Fprintf(tw, "  %s\t%d", b.Name(), b.Priority())
		for _, d := range []backends.Device{backends.DeviceCPU, backends.DeviceCUDA, backends.DeviceMetal} {
			mark := "-"
			if (d == backends.DeviceCPU || gpu.Available) && b.Supports(d) {
				mark = "yes"
			}
			fmt.Fprintf(tw, "\t%s", mark)
		}
		fmt.Fprintln(tw)
	}
	_ = tw.Flush()

	fmt.Fprintf(w, "\nSelected device: %s\n", selected)
}
