// Command aos is the orchestration CLI: compile a product spec into work
// orders, execute work orders against a repo, and run the API server, queue
// worker, and store migrations.
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "plan":
		os.Exit(cmdPlan(os.Args[2:]))
	case "run":
		os.Exit(cmdRun(os.Args[2:]))
	case "run-all":
		os.Exit(cmdRunAll(os.Args[2:]))
	case "serve":
		os.Exit(cmdServe(os.Args[2:]))
	case "worker":
		os.Exit(cmdWorker(os.Args[2:]))
	case "migrate":
		os.Exit(cmdMigrate(os.Args[2:]))
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  aos plan --spec <file.md> [--outdir <dir>] [--repo <dir>] [--artifacts-dir <dir>] [--template <file>] [--model <name>] [--reasoning-effort <level>] [--max-attempts <n>] [--overwrite] [--print-summary] [--quiet|--verbose] [--no-color]")
	fmt.Fprintln(os.Stderr, "  aos run --repo <dir> --work-order <file.json> [--config <run.yaml>] [--branch <name>] [--create-branch|--reuse-branch] [--max-attempts <n>] [--llm-model <name>] [--allow-verify-exempt] [--artifacts-dir <dir>]")
	fmt.Fprintln(os.Stderr, "  aos run-all --repo <dir> --workdir <dir> [run flags...]")
	fmt.Fprintln(os.Stderr, "  aos serve [--config <aos.yaml>] [--addr <host:port>]")
	fmt.Fprintln(os.Stderr, "  aos worker [--config <aos.yaml>]")
	fmt.Fprintln(os.Stderr, "  aos migrate [--config <aos.yaml>] [--database-url <url>]")
}

// flagValue consumes the value of args[*i], exiting with usage guidance when
// the value is missing.
func flagValue(args []string, i *int, name string) string {
	*i++
	if *i >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", name)
		os.Exit(1)
	}
	return args[*i]
}
