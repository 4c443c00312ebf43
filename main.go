package main

import "mcscan/cmd"

func main() {
	cmd.Execute()
}
