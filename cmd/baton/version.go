package main

import (
	"fmt"
	goruntime "runtime"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("baton version %s\n", Version)
		fmt.Printf("  OS/Arch: %s/%s\n", goruntime.GOOS, goruntime.GOARCH)
		fmt.Printf("  Go version: %s\n", goruntime.Version())
	},
}
