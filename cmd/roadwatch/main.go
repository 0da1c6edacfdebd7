package main

import (
	"log"

	"github.com/civicworks/roadwatch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
