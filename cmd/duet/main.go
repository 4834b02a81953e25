// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command duet starts the document synchronization service.
//
// The service accepts edit events from a structured editor and a
// conversational interface, reconciles them through conflict
// classification and pluggable resolution strategies, and exposes the
// event/conflict/alert streams over HTTP and WebSocket.
//
// Usage:
//
//	duet serve
//	duet serve --addr :8080 --document main
//	duet serve --config duet.yaml
//
// Example requests:
//
//	# Emit an edit event
//	curl -X POST http://localhost:8080/v1/sync/events \
//	  -H "Content-Type: application/json" \
//	  -d '{"kind": "element_update", "source": "structured", "payload": {"element_id": "5", "color": "red"}}'
//
//	# Inspect sync state
//	curl http://localhost:8080/v1/sync/state
//
//	# Full health report
//	curl http://localhost:8080/v1/sync/health
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "duet",
	Short: "Concurrent document-graph synchronization service",
	Long: `duet keeps a shared document graph consistent while two producers
(a structured editor and a conversational interface) edit it
concurrently. It detects colliding edits, classifies the conflict,
and resolves it by merge, latest-wins, human arbitration, or rollback.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the service version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(serviceVersion)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
