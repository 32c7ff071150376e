package cmd

import (
	"fmt"
)

const banner = `
  _____         _                         _ 
 |_   _|_ _ ___| | ____      ____ _ _ __ __| |
   | |/ _` + "`" + ` / __| |/ /\ \ /\ / / _` + "`" + ` | '__/ _` + "`" + ` |
   | | (_| \__ \   <  \ V  V / (_| | | | (_| |
   |_|\__,_|___/_|\_\  \_/\_/ \__,_|_|  \__,_|
                                             
`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Task Tracking Service - Version %s\x1b[0m\n\n", Version)
}
