package main

import "dynamake/pkg/lib"

func main() {
	if err := rootCmd.Execute(); err != nil {
		lib.Exit(err)
	}
}
