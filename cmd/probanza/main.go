// Command probanza runs the deductibility review service: phase
// orchestration, agent consensus, the evidence ledger and the defense
// file compiler behind one HTTP API.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands. Exposed for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(stderr)
	}

	switch args[1] {
	case "server", "serve":
		return runServer(stderr)
	case "compile":
		return runCompileCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: probanza [command]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  server    run the review API (default)")
	fmt.Fprintln(w, "  compile   compile a project's defense file to stdout")
	fmt.Fprintln(w, "  verify    verify a project's evidence chain")
	fmt.Fprintln(w, "  help      show this help")
}

// runCompileCmd compiles the defense file for one project and writes the
// canonical bytes to stdout.
func runCompileCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "usage: probanza compile <project-id>")
		return 2
	}
	ctx := context.Background()

	svc, err := buildServices(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "probanza: %v\n", err)
		return 1
	}
	defer svc.Close()

	_, data, err := svc.Compiler.Compile(ctx, args[0])
	if err != nil {
		fmt.Fprintf(stderr, "probanza: compile %s: %v\n", args[0], err)
		return 1
	}
	if _, err := stdout.Write(append(data, '\n')); err != nil {
		return 1
	}
	return 0
}

// runVerifyCmd recomputes a project's hash chain.
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "usage: probanza verify <project-id>")
		return 2
	}
	ctx := context.Background()

	svc, err := buildServices(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "probanza: %v\n", err)
		return 1
	}
	defer svc.Close()

	if err := svc.Ledger.Verify(ctx, args[0]); err != nil {
		fmt.Fprintf(stderr, "probanza: chain for %s BROKEN: %v\n", args[0], err)
		return 1
	}
	fmt.Fprintf(stdout, "chain for %s intact\n", args[0])
	return 0
}
