// Command keel runs the decision kernel: an HTTP planning service plus
// offline verbs for auditing its evidence trail.
package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/Halyard-Labs/keel/pkg/contracts"
)

const version = "1.0.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches a verb and returns the process exit code. It exists so
// tests can drive the binary without spawning one.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServeCmd(nil, stdout, stderr)
	}
	switch args[1] {
	case "serve", "server":
		return runServeCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "replay":
		return runReplayCmd(args[2:], stdout, stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "demo":
		return runDemoCmd(args[2:], stdout, stderr)
	case "version", "--version":
		fmt.Fprintf(stdout, "keel %s\n", version)
		return 0
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
	fmt.Fprintln(w, "Usage: keel <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve    Run the planning service (default)")
	fmt.Fprintln(w, "  verify   Verify an evidence record's content hash (--store, --ref)")
	fmt.Fprintln(w, "  replay   Print a verified evidence record (--store, --ref)")
	fmt.Fprintln(w, "  export   Export a verified record to the archive (--store, --ref, --out)")
	fmt.Fprintln(w, "  demo     Solve a bundled sample goal end to end")
	fmt.Fprintln(w, "  version  Show version information")
	fmt.Fprintln(w, "  help     Show this help")
}

// parseRef parses the external "seq/hash-prefix" evidence reference. A bare
// sequence number is accepted and skips the hash check.
func parseRef(s string) (contracts.EvidenceRef, error) {
	seqStr, hash, found := strings.Cut(s, "/")
	if !found {
		hash = ""
	}
	seq, err := strconv.ParseUint(seqStr, 10, 64)
	if err != nil {
		return contracts.EvidenceRef{}, fmt.Errorf("malformed evidence ref %q: want seq/hash", s)
	}
	return contracts.EvidenceRef{Sequence: seq, SnapshotHash: hash}, nil
}
