package main

import "github.com/claudiohq/claudio/cmd"

func main() {
	cmd.Execute()
}
