// sentineld is the surveillance engine binary. `sentineld run` starts the
// control plane, which re-executes the same binary as `sentineld worker`
// once per enabled camera.
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "run":
		runControlPlane(os.Args[2:])
	case "worker":
		os.Exit(runWorker(os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage: sentineld <command> [flags]

Commands:
  run      start the control plane: supervisor, HTTP API, event feed
  worker   run one camera worker (spawned by the supervisor)

Flags:
  --config path    engine config file (also SENTINEL_CONFIG)
  --camera id      camera to run (worker only)
`)
}
