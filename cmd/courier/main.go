package main

import (
	"os"

	"github.com/nuetzliches/courier/internal/app"
)

func main() {
	os.Exit(app.Main(os.Args))
}
