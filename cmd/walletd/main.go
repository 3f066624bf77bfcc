package main

import "github.com/nexuswallet/walletd/cmd/walletd/cmd"

func main() {
	cmd.Execute()
}
