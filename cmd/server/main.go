// Command screensplit runs the Screensplit API server and its maintenance
// subcommands.
package main

import "github.com/screensplit/server/cmd/server/cmd"

func main() {
	cmd.Execute()
}
