package main

import (
	"log"

	"github.com/juststayawake/chatuser/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
