// Command recordctl inspects and maintains recorder data offline: finished
// recordings under RECORDS_DIR and persisted session snapshots.
//
// Usage:
//
//	recordctl records list <chat>
//	recordctl records bundle <chat> <key> [-o out.zip]
//	recordctl records rm <chat> <key>
//	recordctl snapshot show
//	recordctl snapshot encrypt [--dry-run]
//
// Settings come from the same environment variables as the service
// (RECORDS_DIR, SNAPSHOT_BACKEND, SNAPSHOT_PATH, DB_DSN, ENCRYPTION_KEY) and
// can be overridden with flags. Negative chat ids go after "--", e.g.
// "recordctl records list -- -100123".
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
