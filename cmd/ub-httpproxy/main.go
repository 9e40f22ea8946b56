package main

import "github.com/unicornbottle/ub-httpproxy/cmd/ub-httpproxy/cmd"

func main() {
	cmd.Execute()
}
