// Command smartsensor-ai runs the sensor anomaly detection and decision
// service, and offers one-shot training, status and config validation.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
