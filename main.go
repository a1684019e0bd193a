package main

import (
	"log/slog"
	"os"

	"github.com/bobuhiro11/sevkvm/flag"
)

func main() {
	if err := flag.Parse(); err != nil {
		slog.Error("sevkvm", "err", err)
		os.Exit(1)
	}
}
