package main

import "github.com/nextlevelbuilder/subtrack/cmd"

func main() {
	cmd.Execute()
}
