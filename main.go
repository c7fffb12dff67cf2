package main

import "github.com/nhirsama/Goster-DevAuth/cli"

func main() {
	cli.Run()
}
