// Package main is the entry of the hvmmu tool.
package main

import "github.com/sarchlab/hvmmu/hvmmu/cmd"

func main() {
	cmd.Execute()
}
