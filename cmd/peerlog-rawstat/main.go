// Command peerlog-rawstat lists the slabs registered in a raw device's
// on-disk directory, for inspecting a harddrive_access_mode=raw data
// directory without attaching a debugger to a running peerlogd.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/zhukovaskychina/peerlog/peerlog/diskio"
)

func main() {
	var devicePath string
	pflag.StringVar(&devicePath, "device", "", "path to the raw device/slab file")
	pflag.Parse()

	if devicePath == "" {
		fmt.Fprintln(os.Stderr, "peerlog-rawstat: --device is required")
		os.Exit(2)
	}

	dev, err := diskio.OpenRawDevice(devicePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "peerlog-rawstat: open %q: %v\n", devicePath, err)
		os.Exit(1)
	}

	slabs := dev.ListSlabs()
	if len(slabs) == 0 {
		fmt.Println("no slabs registered")
		return
	}

	fmt.Printf("%-40s %12s %12s\n", "NAME", "OFFSET", "LENGTH")
	for _, s := range slabs {
		fmt.Printf("%-40s %12d %12d\n", s.Name, s.Offset, s.Length)
	}
}
