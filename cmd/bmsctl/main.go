package main

import "ultra-bms/client/cmd/bmsctl/cmd"

func main() {
	cmd.Execute()
}
