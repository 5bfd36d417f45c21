package main

import "github.com/custodia/certauth/cmd/certauth/cmd"

func main() {
	cmd.Execute()
}
