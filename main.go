package main

import (
	"log"

	"github.com/polished-os/polished/flag"
)

func main() {
	if err := flag.Parse(); err != nil {
		log.Fatal(err)
	}
}
