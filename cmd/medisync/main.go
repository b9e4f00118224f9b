// medisync is the offline-first EMR record synchronizer.
//
// Every device keeps a full local copy of its hospital's records in an
// embedded database and stays fully usable with no connectivity; the sync
// daemon reconciles local edits with the shared remote store in the
// background.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
