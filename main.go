package main

import "github.com/culpritdev/culprit/cmd"

func main() {
	cmd.Execute()
}
