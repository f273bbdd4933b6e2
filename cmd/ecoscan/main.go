// ecoscan is the command line client of ecosrv: it moves adjustables and
// runs scans, following them with a spinner
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
