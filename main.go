package main

import "github.com/dotsetlabs/dotclaw/cmd"

func main() {
	cmd.Execute()
}
