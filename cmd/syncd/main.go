// Package main is the syncbox daemon: a local offline-first sync core
// exposing its cache, queue and conflict state over HTTP and WebSocket.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
