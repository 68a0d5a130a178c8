package main

import "github.com/skalenetwork/skale-consensus-sub001/cmd/cli"

func main() {
	cli.Execute()
}
