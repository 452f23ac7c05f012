package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ckctl",
	Short: "Drive the cryptkernel message ABI end-to-end for manual smoke-testing",
	Long:  "Drive the cryptkernel message ABI end-to-end for manual smoke-testing",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
