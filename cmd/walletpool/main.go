package main

import (
	"os"

	"WalletPool/internal/cli"
	"WalletPool/pkg/logx"
)

func main() {
	err := cli.NewRootCmd().Execute()
	logx.Close()
	if err != nil {
		os.Exit(1)
	}
}
