package main

import (
	"context"
	"log"
	"os"
	"os/signal"

	"github.com/PatchLens/go-byref/byref"
	"github.com/PatchLens/go-byref/byref/cmd"
)

func main() {
	log.SetFlags(log.LstdFlags)

	config, err := cmd.ParseFlags(nil) // No custom flags for standard byreflens
	if err != nil {
		log.Fatalf("%s%v", byref.ErrorLogPrefix, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if _, err := byref.NewSurveyEngine(config).Run(ctx); err != nil {
		stop()
		log.Fatalf("%s%v", byref.ErrorLogPrefix, err)
	}
}
