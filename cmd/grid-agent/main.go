// Package main provides the entry point for the grid-agent CLI.
package main

import "yqhp/grid-agent/cmd"

func main() {
	cmd.Execute()
}
