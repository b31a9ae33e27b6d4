package main

import "github.com/theirongolddev/agentmon/cmd"

func main() {
	cmd.Execute()
}
