package main

import "github.com/jmcleod/taskward/cmd/taskward/cmd"

func main() {
	cmd.Execute()
}
