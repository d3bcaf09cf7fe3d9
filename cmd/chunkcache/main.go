package main

import "github.com/vectorbench/chunkcache/cli"

func main() {
	cli.Execute()
}
