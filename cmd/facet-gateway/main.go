package main

import (
	"os"

	"github.com/jessevdk/go-flags"
)

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	_, _ = parser.AddCommand("serve", "Serve the query gateway", `
Serve the gateway HTTP API with the provided configuration, until signaled
to exit (via SIGTERM or SIGINT). In-flight queries are drained before exit.
`, &cmdServe{})

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			parser.WriteHelp(os.Stdout)
			os.Exit(0)
		}
		os.Exit(1)
	}
}
