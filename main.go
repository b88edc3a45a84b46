package main

import "github.com/nextlevelbuilder/bookbot/cmd"

func main() {
	cmd.Execute()
}
