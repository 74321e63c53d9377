package main

import (
	"os"

	"github.com/zsiec/playsync/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
