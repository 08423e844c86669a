// Package main provides the entry point for the handoffcache CLI.
package main

import (
	"github.com/Kush-Singh-26/handoffcache/internal/cli"
)

func main() {
	cli.Execute()
}
