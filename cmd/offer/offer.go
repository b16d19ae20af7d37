package main

import (
	"encoding/json"
	"os"

	"github.com/modfin/offer"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "offer",
		Usage: "a client for the offerd api",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Value: "http://localhost:8080", EnvVars: []string{"OFFER_HOST"}},
			&cli.StringFlag{Name: "api-key", EnvVars: []string{"OFFER_API_KEY"}},
			&cli.StringFlag{Name: "cron-secret", EnvVars: []string{"OFFER_CRON_SECRET"}},
		},
		Commands: []*cli.Command{
			{
				Name:  "schedule",
				Usage: "schedule an offer send, eg. offer schedule --id <id> --at 2025-02-01T09:00:00+01:00",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Required: true},
					&cli.StringFlag{Name: "at", Required: true},
				},
				Action: func(c *cli.Context) error {
					res, err := client(c).Schedule(c.Context, c.String("id"), c.String("at"))
					if err != nil {
						return err
					}
					return printJSON(res)
				},
			},
			{
				Name:  "cancel",
				Usage: "cancel a pending or scheduled offer send",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Required: true},
				},
				Action: func(c *cli.Context) error {
					res, err := client(c).Cancel(c.Context, c.String("id"))
					if err != nil {
						return err
					}
					return printJSON(res)
				},
			},
			{
				Name:  "tick",
				Usage: "trigger one delivery tick",
				Action: func(c *cli.Context) error {
					res, err := client(c).TriggerDelivery(c.Context)
					if err != nil {
						return err
					}
					return printJSON(res)
				},
			},
			{
				Name:  "expire",
				Usage: "trigger an expiry sweep",
				Action: func(c *cli.Context) error {
					res, err := client(c).TriggerExpiry(c.Context)
					if err != nil {
						return err
					}
					return printJSON(res)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func client(c *cli.Context) *offer.Client {
	return offer.NewClient(c.String("host"), c.String("api-key"), c.String("cron-secret"))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
