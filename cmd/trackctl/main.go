package main

import (
	"log"

	"github.com/openlivetrack/livetrack/cmd/trackctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
