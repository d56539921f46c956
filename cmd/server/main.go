package main

import (
	"os"

	"github.com/fabrice-guiot/shuttersense-sub005/internal/servercmd"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	servercmd.Version = version
	os.Exit(servercmd.Execute())
}
