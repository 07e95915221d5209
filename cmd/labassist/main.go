package main

import "github.com/chinanuj/AgenticLabAssistant/internal/cli"

func main() {
	cli.Execute()
}
