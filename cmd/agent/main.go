package main

import (
	"os"

	"github.com/fabrice-guiot/shuttersense-sub005/internal/agentcmd"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	agentcmd.Version = version
	os.Exit(agentcmd.Execute())
}
