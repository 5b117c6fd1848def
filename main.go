package main

import "llamachat/internal/cli"

func main() {
	cli.Execute()
}
