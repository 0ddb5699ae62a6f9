package main

import "github.com/chiquitav2/vnas-orchestrator/cmd/orchestrator/cmd"

func main() {
	cmd.Execute()
}
