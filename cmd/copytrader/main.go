package main

import "github.com/rustyeddy/copytrader/internal/cli"

func main() {
	cli.Execute()
}
