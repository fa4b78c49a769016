package main

import (
	cmd "github.com/nexis-ai/nexis-fetch/cmd/nexisfetch"
)

func main() {
	cmd.Execute()
}
