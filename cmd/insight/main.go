// Command insight queries the telemetry service and manages search-download jobs.
package main

import "os"

func main() {
	os.Exit(Execute())
}
