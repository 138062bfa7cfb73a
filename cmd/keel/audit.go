package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/Halyard-Labs/keel/pkg/archive"
	"github.com/Halyard-Labs/keel/pkg/evidence"
)

// openRecorder opens the evidence store named by --store and wraps it in a
// Recorder. The caller closes the returned store.
func openRecorder(ctx context.Context, storeURL string) (*evidence.Recorder, evidence.Store, error) {
	store, err := openEvidenceStore(ctx, storeURL)
	if err != nil {
		return nil, nil, err
	}
	return evidence.NewRecorder(store), store, nil
}

// runVerifyCmd recomputes the content hash of one evidence record.
//
// Exit codes:
//
//	0 = hash matches
//	1 = hash mismatch (tampered or corrupted record)
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		storeURL   string
		refStr     string
		jsonOutput bool
	)
	cmd.StringVar(&storeURL, "store", "", "Evidence store URL (postgres:// or sqlite:path, REQUIRED)")
	cmd.StringVar(&refStr, "ref", "", "Evidence reference, seq/hash (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the verification result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if storeURL == "" || refStr == "" {
		fmt.Fprintln(stderr, "Error: --store and --ref are required")
		return 2
	}
	ref, err := parseRef(refStr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx := context.Background()
	recorder, store, err := openRecorder(ctx, storeURL)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = store.Close() }()

	result, err := recorder.Verify(ctx, ref)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else if result.HashMatches {
		fmt.Fprintf(stdout, "evidence %s verified (schema %s)\n", result.Ref, result.SchemaVersion)
	} else {
		fmt.Fprintf(stdout, "evidence %s FAILED verification: stored hash does not match content\n", result.Ref)
	}
	if !result.HashMatches {
		return 1
	}
	return 0
}

// runReplayCmd prints a verified evidence record for offline inspection.
func runReplayCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("replay", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		storeURL string
		refStr   string
	)
	cmd.StringVar(&storeURL, "store", "", "Evidence store URL (REQUIRED)")
	cmd.StringVar(&refStr, "ref", "", "Evidence reference, seq/hash (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if storeURL == "" || refStr == "" {
		fmt.Fprintln(stderr, "Error: --store and --ref are required")
		return 2
	}
	ref, err := parseRef(refStr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx := context.Background()
	recorder, store, err := openRecorder(ctx, storeURL)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = store.Close() }()

	rec, err := recorder.Replay(ctx, ref)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	data, _ := json.MarshalIndent(rec, "", "  ")
	fmt.Fprintln(stdout, string(data))
	return 0
}

// runExportCmd copies a verified record into the archive backend selected by
// the KEEL_ARCHIVE_* environment, or a local directory given with --out.
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		storeURL string
		refStr   string
		outDir   string
	)
	cmd.StringVar(&storeURL, "store", "", "Evidence store URL (REQUIRED)")
	cmd.StringVar(&refStr, "ref", "", "Evidence reference, seq/hash (REQUIRED)")
	cmd.StringVar(&outDir, "out", "", "Local archive directory (overrides KEEL_ARCHIVE_*)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if storeURL == "" || refStr == "" {
		fmt.Fprintln(stderr, "Error: --store and --ref are required")
		return 2
	}
	ref, err := parseRef(refStr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx := context.Background()
	recorder, store, err := openRecorder(ctx, storeURL)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = store.Close() }()

	var dst archive.Store
	if outDir != "" {
		dst, err = archive.NewFileStore(outDir)
	} else {
		dst, err = archive.NewStoreFromEnv(ctx)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	hash, err := evidence.NewExporter(recorder, dst).Export(ctx, ref)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "exported %s as archive blob %s\n", ref, hash)
	return 0
}
