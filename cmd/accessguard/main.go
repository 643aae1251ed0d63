package main

import "accessguard/internal/cli"

func main() {
	cli.Execute()
}
