package main

import "github.com/vibast-solutions/ms-go-wallets/cmd"

func main() {
	cmd.Execute()
}
