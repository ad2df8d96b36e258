// Command thingosdci is the continuous-integration controller that drives
// containerized OS-image builds across configurable hardware boards.
package main

import (
	"fmt"
	"os"

	"github.com/thingos/thingosdci/cmd/thingosdci/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
