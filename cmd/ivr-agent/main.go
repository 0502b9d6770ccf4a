// Copyright 2024 dOpenSource.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/livekit/protocol/logger"

	"github.com/dopensource/ivr-agent/pkg/analytics"
	"github.com/dopensource/ivr-agent/pkg/config"
	"github.com/dopensource/ivr-agent/pkg/errors"
	"github.com/dopensource/ivr-agent/pkg/service"
	"github.com/dopensource/ivr-agent/pkg/stats"
	"github.com/dopensource/ivr-agent/version"
)

func main() {
	cmd := &cli.Command{
		Name:        "ivr-agent",
		Usage:       "dOpenSource IVR agent",
		Version:     version.Version,
		Description: "Answers inbound calls, walks the department menu, and transfers via REFER",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "IVR agent yaml config file",
				Sources: cli.EnvVars("IVR_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "config-body",
				Usage:   "IVR agent yaml config body",
				Sources: cli.EnvVars("IVR_CONFIG_BODY"),
			},
		},
		Action: runService,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Println(err)
	}
}

func runService(ctx context.Context, c *cli.Command) error {
	conf, err := getConfig(c, true)
	if err != nil {
		return err
	}
	log := logger.GetLogger()

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, syscall.SIGTERM, syscall.SIGQUIT)

	killChan := make(chan os.Signal, 1)
	signal.Notify(killChan, syscall.SIGINT)

	mon, err := stats.NewMonitor(conf)
	if err != nil {
		return err
	}
	if err = mon.Start(conf); err != nil {
		return err
	}
	defer mon.Shutdown()

	reporter, err := analytics.NewReporter(conf, log)
	if err != nil {
		return err
	}

	svc, err := service.NewService(conf, log, mon, reporter, nil)
	if err != nil {
		return err
	}

	go func() {
		select {
		case sig := <-stopChan:
			log.Infow("exit requested, finishing active calls then shutting down", "signal", sig)
			svc.Stop(false)
		case sig := <-killChan:
			log.Infow("exit requested, stopping all calls and shutting down", "signal", sig)
			svc.Stop(true)
		}
	}()

	return svc.Run()
}

func getConfig(c *cli.Command, initialize bool) (*config.Config, error) {
	configFile := c.String("config")
	configBody := c.String("config-body")
	if configBody == "" {
		if configFile == "" {
			return nil, errors.ErrNoConfig
		}
		content, err := os.ReadFile(configFile)
		if err != nil {
			return nil, err
		}
		configBody = string(content)
	}

	conf, err := config.NewConfig(configBody)
	if err != nil {
		return nil, err
	}

	if initialize {
		err = conf.Init()
		if err != nil {
			return nil, err
		}
	}

	return conf, nil
}
