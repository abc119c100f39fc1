package main

import "fnrunner/cmd/cli"

func main() {
	cli.Execute()
}
