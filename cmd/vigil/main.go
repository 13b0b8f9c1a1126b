package main

import "github.com/vigilsh/vigil/cmd/vigil/commands"

func main() {
	commands.Execute()
}
