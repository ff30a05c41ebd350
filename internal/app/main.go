package app

import (
	"fmt"
	"os"
)

var (
	version   = "0.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func Main(args []string) int {
	if len(args) < 2 {
		printHelp()
		return 2
	}

	switch args[1] {
	case "run":
		return runCmd(args[2:])
	case "config":
		return configCmd(args[2:])
	case "queue":
		return queueCmd(args[2:])
	case "ctl":
		return ctlCmd(args[2:])
	case "version":
		return versionCmd(args[2:])
	case "help", "-h", "--help":
		printHelp()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[1])
		printHelp()
		return 2
	}
}

func printHelp() {
	fmt.Fprintln(os.Stdout, "courier")
	fmt.Fprintln(os.Stdout, "")
	fmt.Fprintln(os.Stdout, "Usage:")
	fmt.Fprintln(os.Stdout, "  courier run --config ./courier.yaml [--pid-file ./courier.pid] [--watch] [--stdin] [--log-level info] [--dotenv ./.env]")
	fmt.Fprintln(os.Stdout, "  courier config validate --config ./courier.yaml [--format json|text]")
	fmt.Fprintln(os.Stdout, "  courier config print --config ./courier.yaml")
	fmt.Fprintln(os.Stdout, "  courier queue inspect|clear --config ./courier.yaml [--account KEY] [--format json|text]")
	fmt.Fprintln(os.Stdout, "  courier ctl [--addr 127.0.0.1:9400] [--token TOKEN] stats|flush|pause|resume|clear")
	fmt.Fprintln(os.Stdout, "  courier version [--long] [--json]")
}
