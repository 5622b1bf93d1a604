package main

import "ratelock/internal/cli"

func main() {
	cli.Execute()
}
