package main

import "github.com/Richard1990h/KING-V3-sub001/internal/cmd"

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	cmd.Execute()
}
