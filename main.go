package main

import "github.com/nextlevelbuilder/delta/cmd"

func main() {
	cmd.Execute()
}
