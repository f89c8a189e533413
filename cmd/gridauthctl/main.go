package main

import "github.com/smallbiznis/gridauth/internal/cli"

func main() {
	cli.Execute()
}
