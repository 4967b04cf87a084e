// Command supplicant authenticates a host to an 802.1X port or an IF-T/TLS
// gateway with EAP-TLS or EAP-TTLS.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
