// Command timewarpd runs the trace ingest and query server.
package main

import "github.com/liuxd6825/timewarpd/cmd"

func main() {
	cmd.Execute()
}
