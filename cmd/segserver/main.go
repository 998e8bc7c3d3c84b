package main

import (
	"context"
	"fmt"
	"os"

	"github.com/searchktools/segserver/app"
	"github.com/searchktools/segserver/config"
)

func main() {
	cfg := config.New()

	log, err := app.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// A nil handler echoes every request.
	application, err := app.New(cfg, nil, log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	if err := application.Run(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}
