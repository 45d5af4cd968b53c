package main

import (
	"os"

	"chrootsdk/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
