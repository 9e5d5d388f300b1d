// Copyright 2025 The imgbase Authors
// This file is part of imgbase.
//
// imgbase is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// imgbase is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with imgbase. If not, see <http://www.gnu.org/licenses/>.

// imgbased is the image/Base64 conversion daemon.
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/imgbase/imgbase/batch"
	"github.com/imgbase/imgbase/cache"
	"github.com/imgbase/imgbase/codec"
	"github.com/imgbase/imgbase/config"
	"github.com/imgbase/imgbase/progress"
	"github.com/imgbase/imgbase/security"
	"github.com/imgbase/imgbase/server"
)

var (
	version  = "1.0.0"
	gitDate  = ""
	shutdown = 10 * time.Second
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Usage:   "JSON configuration file (IMGBASE_* env vars override)",
		Aliases: []string{"c"},
	}
	hostFlag = &cli.StringFlag{
		Name:  "host",
		Usage: "HTTP listen interface",
	}
	portFlag = &cli.IntFlag{
		Name:  "port",
		Usage: "HTTP listen port",
	}
	verbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "Log level (debug, info, warn, error)",
		Value: "info",
	}
	jsonLogFlag = &cli.BoolFlag{
		Name:  "log.json",
		Usage: "Emit logs as JSON",
	}
)

func main() {
	app := &cli.App{
		Name:    "imgbased",
		Usage:   "image to Base64 conversion service",
		Version: version,
		Flags: []cli.Flag{
			configFlag, hostFlag, portFlag, verbosityFlag, jsonLogFlag,
		},
		Action: runServer,
		Commands: []*cli.Command{
			{
				Name:      "convert",
				Usage:     "convert a single image file to Base64 and exit",
				ArgsUsage: "<file>",
				Flags: []cli.Flag{
					verbosityFlag,
					&cli.StringFlag{Name: "format", Usage: "target format (png, jpeg, webp, gif, bmp, tiff, ico)"},
					&cli.IntFlag{Name: "quality", Usage: "encode quality 1-100", Value: codec.DefaultQuality},
					&cli.IntFlag{Name: "width", Usage: "resize width in pixels"},
					&cli.IntFlag{Name: "height", Usage: "resize height in pixels"},
				},
				Action: runConvert,
			},
			{
				Name:   "version",
				Usage:  "print version numbers",
				Action: printVersion,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogger configures the process-wide logger from CLI flags.
func setupLogger(ctx *cli.Context) (*logrus.Entry, error) {
	log := logrus.New()
	level, err := logrus.ParseLevel(ctx.String(verbosityFlag.Name))
	if err != nil {
		return nil, err
	}
	log.SetLevel(level)
	if ctx.Bool(jsonLogFlag.Name) {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logrus.NewEntry(log), nil
}

func runServer(ctx *cli.Context) error {
	log, err := setupLogger(ctx)
	if err != nil {
		return err
	}
	cfg, err := config.Load(ctx.String(configFlag.Name))
	if err != nil {
		return err
	}
	if ctx.IsSet(hostFlag.Name) {
		cfg.Server.Host = ctx.String(hostFlag.Name)
	}
	if ctx.IsSet(portFlag.Name) {
		cfg.Server.Port = ctx.Int(portFlag.Name)
	}

	c, err := cache.FromConfig(cfg.Cache, log)
	if err != nil {
		return err
	}
	defer c.Close()

	bus := progress.NewBus(log)
	validator := security.NewValidator(cfg.Security, log)
	limiter := security.NewLimiter(cfg.Security)
	registry := batch.NewRegistry(log)
	scheduler := batch.NewScheduler(cfg.Processing, registry, c, validator, bus, log)
	defer scheduler.Stop()

	srv := server.New(cfg, scheduler, c, validator, limiter, bus, log)
	if err := srv.Start(); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"version": version,
		"workers": cfg.Processing.MaxConcurrentFiles,
		"cache":   cfg.Cache.Backend,
	}).Info("imgbased started")

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigc
	log.WithField("signal", sig.String()).Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdown)
	defer cancel()
	return srv.Stop(stopCtx)
}

func runConvert(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.Exit("usage: imgbased convert <file>", 1)
	}
	data, err := os.ReadFile(ctx.Args().First())
	if err != nil {
		return err
	}
	target, err := codec.ParseFormat(ctx.String("format"))
	if err != nil {
		return err
	}
	opts := codec.Options{
		TargetFormat:        target,
		Quality:             ctx.Int("quality"),
		ResizeWidth:         ctx.Int("width"),
		ResizeHeight:        ctx.Int("height"),
		MaintainAspectRatio: true,
	}.Normalized()
	if err := opts.Validate(); err != nil {
		return err
	}

	out, meta := data, (*codec.Metadata)(nil)
	if opts.IsNoop() {
		meta, err = codec.Probe(data)
	} else {
		out, meta, err = codec.Convert(data, opts)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%s %dx%d (%d bytes)\n", meta.Format, meta.Width, meta.Height, len(out))
	fmt.Println(base64.StdEncoding.EncodeToString(out))
	return nil
}

func printVersion(ctx *cli.Context) error {
	fmt.Println("imgbased version", version)
	if gitDate != "" {
		fmt.Println("Git Commit Date:", gitDate)
	}
	fmt.Println("Architecture:", runtime.GOARCH)
	fmt.Println("Go Version:", runtime.Version())
	return nil
}
