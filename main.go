package main

import "corpcall/cmd"

func main() {
	cmd.Execute()
}
