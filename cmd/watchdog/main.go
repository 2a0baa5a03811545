package main

import "github.com/LENAX/task-watchdog/pkg/cli/cmd"

func main() {
	cmd.Execute()
}
