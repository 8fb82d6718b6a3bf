package main

import "github.com/oshokin/hatchery/cmd/hatchery/cmd"

func main() {
	cmd.Execute()
}
