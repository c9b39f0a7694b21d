package main

import (
	"log"

	"github.com/teamflp/agri-direct-marketplace-sub003/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
