package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kr/pretty"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"bus-tracker/internal/api"
	"bus-tracker/internal/geoloc"
	"bus-tracker/internal/passenger"
	"bus-tracker/internal/route"
	"bus-tracker/internal/sim"
)

func driveCommand() *cli.Command {
	return &cli.Command{
		Name:  "drive",
		Usage: "track a queue of routes from live positions and publish the status",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "routes", Usage: "route names in driving order", Required: true},
			&cli.StringFlag{Name: "vehicle", Usage: "only accept positions from this vehicle id"},
			&cli.BoolFlag{Name: "simulate", Usage: "drive a simulated vehicle instead of reading positions from NATS"},
			&cli.DurationFlag{Name: "delay", Usage: "simulated vehicle runs this much behind schedule"},
		},
		Action: func(c *cli.Context) error {
			ctx, cancel, rt, err := setup()
			if err != nil {
				return err
			}
			defer cancel()
			defer rt.close()
			rt.startMetrics()

			d, err := rt.openDB(ctx)
			if err != nil {
				return err
			}
			store, err := rt.statusStore(ctx)
			if err != nil {
				return err
			}

			names := c.StringSlice("routes")
			var src geoloc.Source
			if c.Bool("simulate") {
				legs, err := rt.graphs(ctx, d, names)
				if err != nil {
					return err
				}
				src, err = sim.New(legs, sim.Options{
					VehicleID:       c.String("vehicle"),
					SpeedMultiplier: rt.cfg.SpeedMultiplier,
					Delay:           c.Duration("delay"),
				})
				if err != nil {
					return err
				}
			} else {
				pub, err := rt.connectNATS()
				if err != nil {
					return err
				}
				src = geoloc.NewNATSSource(pub.Conn(), rt.cfg.NATSPositionSubject, c.String("vehicle"))
			}

			ctrl := rt.controller(d, store)
			if _, err := ctrl.Start(ctx, names, src); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				_ = ctrl.Stop()
			case <-ctrl.Done():
			}
			log.Info().Msg("shutdown complete")
			return nil
		},
	}
}

func passengerCommand() *cli.Command {
	return &cli.Command{
		Name:  "passenger",
		Usage: "show live ETAs for one route",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "route", Usage: "route to watch", Required: true},
		},
		Action: func(c *cli.Context) error {
			ctx, cancel, rt, err := setup()
			if err != nil {
				return err
			}
			defer cancel()
			defer rt.close()

			d, err := rt.openDB(ctx)
			if err != nil {
				return err
			}
			store, err := rt.statusStore(ctx)
			if err != nil {
				return err
			}
			board := passenger.NewBoard(store, d, c.String("route"), passenger.Config{
				Refresh:    rt.cfg.ETARefresh,
				StaleAfter: rt.cfg.StaleAfter,
				Location:   rt.cfg.Location,
			})
			return board.Run(ctx, os.Stdout)
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the HTTP API for tracking control and ETAs",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Usage: "listen address, defaults to HTTP_ADDR"},
			&cli.BoolFlag{Name: "nats-positions", Usage: "sessions read live positions from NATS as well as POST /tracking/position"},
		},
		Action: func(c *cli.Context) error {
			ctx, cancel, rt, err := setup()
			if err != nil {
				return err
			}
			defer cancel()
			defer rt.close()
			rt.startMetrics()

			d, err := rt.openDB(ctx)
			if err != nil {
				return err
			}
			store, err := rt.statusStore(ctx)
			if err != nil {
				return err
			}
			ctrl := rt.controller(d, store)
			defer func() { _ = ctrl.Stop() }()

			srv := api.NewServer(ctrl, store, d, passenger.Config{
				StaleAfter: rt.cfg.StaleAfter,
				Location:   rt.cfg.Location,
			})
			if c.Bool("nats-positions") {
				pub, err := rt.connectNATS()
				if err != nil {
					return err
				}
				srv.Source = func() geoloc.Source {
					return geoloc.NewNATSSource(pub.Conn(), rt.cfg.NATSPositionSubject, "")
				}
			}

			addr := c.String("listen")
			if addr == "" {
				addr = rt.cfg.HTTPAddr
			}
			log.Info().Str("addr", addr).Msg("api listening")
			return srv.Listen(ctx, addr)
		},
	}
}

func simulateCommand() *cli.Command {
	return &cli.Command{
		Name:  "simulate",
		Usage: "publish simulated positions for a queue of routes to NATS",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "routes", Usage: "route names in driving order", Required: true},
			&cli.StringFlag{Name: "vehicle", Usage: "vehicle id, defaults to the host name"},
			&cli.DurationFlag{Name: "delay", Usage: "run this much behind schedule"},
			&cli.DurationFlag{Name: "interval", Value: time.Second, Usage: "time between positions"},
		},
		Action: func(c *cli.Context) error {
			ctx, cancel, rt, err := setup()
			if err != nil {
				return err
			}
			defer cancel()
			defer rt.close()
			rt.startMetrics()

			d, err := rt.openDB(ctx)
			if err != nil {
				return err
			}
			names := c.StringSlice("routes")
			legs, err := rt.graphs(ctx, d, names)
			if err != nil {
				return err
			}
			vehicle := c.String("vehicle")
			if vehicle == "" {
				vehicle = hostname()
			}
			s, err := sim.New(legs, sim.Options{
				VehicleID:       vehicle,
				Interval:        c.Duration("interval"),
				SpeedMultiplier: rt.cfg.SpeedMultiplier,
				Delay:           c.Duration("delay"),
			})
			if err != nil {
				return err
			}
			pub, err := rt.connectNATS()
			if err != nil {
				return err
			}
			err = s.Publish(ctx, pub, rt.cfg.NATSPositionSubject, names[0])
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func routesCommand() *cli.Command {
	return &cli.Command{
		Name:  "routes",
		Usage: "manage stored routes",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list route names",
				Action: func(c *cli.Context) error {
					ctx, cancel, rt, err := setup()
					if err != nil {
						return err
					}
					defer cancel()
					defer rt.close()
					d, err := rt.openDB(ctx)
					if err != nil {
						return err
					}
					names, err := d.ListRoutes(ctx)
					if err != nil {
						return err
					}
					for _, n := range names {
						fmt.Println(n)
					}
					return nil
				},
			},
			{
				Name:      "show",
				Usage:     "print a route with its effective schedule for today",
				ArgsUsage: "NAME",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.Exit("usage: routes show NAME", 2)
					}
					ctx, cancel, rt, err := setup()
					if err != nil {
						return err
					}
					defer cancel()
					defer rt.close()
					d, err := rt.openDB(ctx)
					if err != nil {
						return err
					}
					legs, err := rt.graphs(ctx, d, []string{c.Args().First()})
					if err != nil {
						return err
					}
					pretty.Println(route.NewDocument(legs[0].Route()))
					return nil
				},
			},
			{
				Name:      "import",
				Usage:     "import routes from a JSON file holding one route or a list of routes",
				ArgsUsage: "FILE",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.Exit("usage: routes import FILE", 2)
					}
					raw, err := os.ReadFile(c.Args().First())
					if err != nil {
						return err
					}
					docs, err := parseDocuments(raw)
					if err != nil {
						return err
					}
					ctx, cancel, rt, err := setup()
					if err != nil {
						return err
					}
					defer cancel()
					defer rt.close()
					d, err := rt.openDB(ctx)
					if err != nil {
						return err
					}
					day := route.Midnight(time.Now().In(rt.cfg.Location))
					for _, doc := range docs {
						if _, err := doc.Route(day); err != nil {
							return fmt.Errorf("route %q: %w", doc.Name, err)
						}
						if err := d.SaveDocument(ctx, doc); err != nil {
							return err
						}
						log.Info().Str("route", doc.Name).Int("points", len(doc.Points)).Msg("route imported")
					}
					return nil
				},
			},
			{
				Name:      "delete",
				Usage:     "delete a route",
				ArgsUsage: "NAME",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.Exit("usage: routes delete NAME", 2)
					}
					ctx, cancel, rt, err := setup()
					if err != nil {
						return err
					}
					defer cancel()
					defer rt.close()
					d, err := rt.openDB(ctx)
					if err != nil {
						return err
					}
					return d.DeleteRoute(ctx, c.Args().First())
				},
			},
		},
	}
}

// parseDocuments accepts a single route object or an array of them.
func parseDocuments(raw []byte) ([]route.Document, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var docs []route.Document
		if err := json.Unmarshal(raw, &docs); err != nil {
			return nil, err
		}
		return docs, nil
	}
	var doc route.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return []route.Document{doc}, nil
}
