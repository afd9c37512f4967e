// Command sonde drives deterministic deep-research runs: filesystem-backed
// state, explicit stage gates, and externalized agent work.
package main

import "os"

func main() {
	os.Exit(run(os.Args[1:]))
}
