/* Copyright (c) 2018-2026 Gregor Riepl
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/onitake/tsgate/api"
	"github.com/onitake/tsgate/auth"
	"github.com/onitake/tsgate/configuration"
	"github.com/onitake/tsgate/descramble"
	"github.com/onitake/tsgate/metrics"
	"github.com/onitake/tsgate/pipeline"
	"github.com/onitake/tsgate/util"
)

const (
	moduleMain = "main"
	//
	eventMainError       = "error"
	eventMainConfig      = "config"
	eventMainStartServer = "start_server"
	eventMainStopServer  = "stop_server"
	eventMainStopped     = "stopped"
	//
	errorMainServer   = "server"
	errorMainPipeline = "pipeline"
	//
	// shutdownTimeout limits the time spent waiting for API requests on exit
	shutdownTimeout = 5 * time.Second
)

var logger util.Logger = util.NewGlobalModuleLogger(moduleMain, nil)

func main() {
	var configname string
	if len(os.Args) > 1 {
		configname = os.Args[1]
	} else {
		configname = "tsgate.json"
	}

	config, err := configuration.LoadConfigurationFile(configname)
	if err != nil {
		log.Fatal("Error parsing configuration: ", err)
	}

	if config.Log != "" {
		flogger, err := util.NewFileLogger(config.Log, true)
		if err != nil {
			log.Fatal("Error opening log: ", err)
		}
		util.SetGlobalStandardLogger(flogger)
		defer flogger.Close()
	}

	logger.Logkv(
		"event", eventMainConfig,
		"listen", config.Listen,
		"remotes", config.Input.Remotes,
		"outputs", len(config.Outputs),
		"ciphers", descramble.Ciphers(),
	)

	if config.Profile {
		EnableProfiling()
	}

	metrics.RegisterRuntimeCollectors()

	gateway, err := pipeline.New(config)
	if err != nil {
		log.Fatal("Error creating processing chain: ", err)
	}

	if err := run(config, gateway); err != nil {
		logger.Logkv(
			"event", eventMainError,
			"error", errorMainPipeline,
			"message", err.Error(),
		)
		os.Exit(1)
	}
	logger.Logkv(
		"event", eventMainStopped,
		"message", "Shut down",
	)
}

// run streams until the input is finished or a termination signal arrives.
func run(config *configuration.Configuration, gateway *pipeline.Gateway) error {
	signals, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(signals)
	defer cancel()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer cancel()
		err := gateway.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if config.Listen != "" {
		server := &http.Server{
			Addr:    config.Listen,
			Handler: api.NewServeMux(gateway, auth.NewAuthenticator(config.Api, config.UserList)),
		}
		group.Go(func() error {
			logger.Logkv(
				"event", eventMainStartServer,
				"listen", config.Listen,
				"message", fmt.Sprintf("Starting control API on %s", config.Listen),
			)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Logkv(
					"event", eventMainError,
					"error", errorMainServer,
					"message", err.Error(),
				)
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			logger.Logkv(
				"event", eventMainStopServer,
				"message", "Stopping control API",
			)
			shutdown, done := context.WithTimeout(context.Background(), shutdownTimeout)
			defer done()
			return server.Shutdown(shutdown)
		})
	}

	return group.Wait()
}
