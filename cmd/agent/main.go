package main

import (
	"fmt"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/urfave/cli/v2"
	"github.com/whyrusleeping/go-webvh/agent"
)

func main() {
	app := cli.NewApp()
	app.Name = "webvh-agent"
	app.Usage = "development signing agent with in-memory keys"

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "listen",
			Value:   ":8020",
			EnvVars: []string{"AGENT_LISTEN"},
		},
	}

	app.Action = func(cctx *cli.Context) error {
		s := agent.NewServer()

		e := echo.New()
		e.HideBanner = true
		e.Use(middleware.Logger())
		e.Use(middleware.Recover())
		s.Register(e)

		return e.Start(cctx.String("listen"))
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
