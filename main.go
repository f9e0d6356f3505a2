package main

import "github.com/4o4ko67/discord-ai-bot/cmd"

func main() {
	cmd.Execute()
}
