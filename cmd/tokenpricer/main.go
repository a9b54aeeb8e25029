package main

import "token-pricer/internal/cli"

func main() {
	cli.Execute()
}
