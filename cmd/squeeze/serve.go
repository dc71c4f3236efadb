package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/squeeze/internal/api"
	"github.com/samcharles93/squeeze/internal/graph"
	"github.com/samcharles93/squeeze/internal/logger"
	"github.com/samcharles93/squeeze/internal/zoo"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		dir         string
		readTimeout time.Duration
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve mask artifacts and the model analysis over HTTP",
		Flags: append(modelFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.StringFlag{
				Name:        "dir",
				Usage:       "artifact directory",
				Value:       "out",
				Destination: &dir,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := LoadConfig()
			applyModelConfig(cmd, cfg, &modelName, &classes, &seed)
			applyServeConfig(cmd, cfg, &addr, &dir)

			server := api.NewServer(dir)
			m, err := zoo.New(modelName, classes, seed)
			if err != nil {
				return err
			}
			an, err := graph.Analyze(ctx, m.Network, m.InputShape)
			if err != nil {
				return err
			}
			server.SetAnalysis(an)

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "dir", dir, "model", m.Name)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
