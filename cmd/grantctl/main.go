// grantctl is the operator CLI for the credit grant scheduler: run batches,
// inspect balances and simulate plan schedules.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
