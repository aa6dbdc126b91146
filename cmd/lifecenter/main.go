package main

import (
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"

	"lifecenter/cli"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	if err := cli.New().Execute(); err != nil {
		log.Fatalf("lifecenter: %v", err)
	}
}
