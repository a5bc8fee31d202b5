package main

import (
	"github.com/marcus/fieldsync/cmd"
	"github.com/marcus/fieldsync/internal/version"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	cmd.SetVersion(version.Resolve(Version))
	cmd.Execute()
}
