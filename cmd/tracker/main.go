package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"bus-tracker/internal/config"
)

func main() {
	config.SetupLogging()

	app := &cli.App{
		Name:        "tracker",
		Usage:       "bus schedule deviation and stop progression tracker",
		Description: "Drives tracking sessions on the driver side and shows ETAs on the passenger side",

		Commands: []*cli.Command{
			driveCommand(),
			passengerCommand(),
			serveCommand(),
			simulateCommand(),
			routesCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Send()
	}
}
