package cmd

import (
	"fmt"
)

const banner = `
   _____          _                   _   _
  / ____|        | |        /\       | | | |
 | |     ___ _ __| |_      /  \  _   | |_| |__
 | |    / _ \ '__| __|    / /\ \| | | | __| '_ \
 | |___|  __/ |  | |_    / ____ \ |_| | |_| | | |
  \_____\___|_|   \__|  /_/    \_\__,_|\__|_| |_|

`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Certificate Authentication Service - Version %s\x1b[0m\n\n", Version)
}
