package main

import "github.com/tanq16/voxpull/cmd"

func main() {
	cmd.Execute()
}
