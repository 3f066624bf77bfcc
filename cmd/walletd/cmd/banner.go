package cmd

import (
	"fmt"
)

const banner = `
                _ _      _      _
 __      _____ | | | ___| |_ __| |
 \ \ /\ / / _ \| | |/ _ \ __/ _` + "`" + ` |
  \ V  V / (_) | | |  __/ || (_| |
   \_/\_/ \___/|_|_|\___|\__\__,_|

`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Wallet Background Service - Version %s\x1b[0m\n\n", Version)
}
