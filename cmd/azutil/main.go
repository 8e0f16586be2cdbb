package main

import "azure-utilities/internal/cli"

func main() {
	cli.Execute()
}
