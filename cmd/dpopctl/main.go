package main

import "github.com/terraconstructs/connect-dpop/cmd/dpopctl/cmd"

func main() {
	cmd.Execute()
}
