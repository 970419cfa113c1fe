// Copyright 2022 The matchcast Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/matchcast/apis"
	"github.com/alwitt/matchcast/common"
	"github.com/alwitt/matchcast/core"
	"github.com/alwitt/matchcast/distribute"
	"github.com/alwitt/matchcast/engine"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunRelayServer run the match event relay server
func RunRelayServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "relay",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid system config")
		return err
	}
	if config.Relay == nil {
		return fmt.Errorf("relay server can't start without its configurations")
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	clock := common.GetSystemClock()

	// -------------------------------------------------------------------
	// Define the distribution layer

	eventSource, err := engine.GetNatsLifecycleEventSource(
		natsClient, config.Lifecycle.EventSubject,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define lifecycle event source")
		return err
	}

	stateReader, err := engine.GetNatsMatchStateReader(
		natsClient,
		config.Lifecycle.StateQuerySubject,
		time.Second*time.Duration(config.Lifecycle.StateQueryTimeout),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define match state reader")
		return err
	}

	registry, err := distribute.GetConnectionRegistry()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection registry")
		return err
	}

	bridge, err := distribute.GetBrokerBridge(
		natsClient, registry, config.Distribution.ChannelPrefix,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broker bridge")
		return err
	}
	registry.SetMatchInterestHandlers(bridge.Subscribe, bridge.Unsubscribe)

	countdown, err := distribute.GetCountdownScheduler(
		localCtxt,
		time.Second*time.Duration(config.Distribution.CountdownPeriod),
		clock,
		common.GetSystemTicker,
		func(matchID string, event distribute.WireEvent) {
			if err := bridge.Publish(matchID, event); err != nil {
				log.WithError(err).WithFields(logTags).Errorf(
					"Relay of countdown event of match %s incomplete", matchID,
				)
			}
		},
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define countdown scheduler")
		return err
	}

	distributor, err := distribute.GetDistributor(localCtxt, distribute.DistributorParams{
		Registry:    registry,
		Bridge:      bridge,
		Countdown:   countdown,
		EventSource: eventSource,
		StateReader: stateReader,
		Clock:       clock,
		EventBuffer: 64,
	}, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define distributor")
		return err
	}

	httpHandler, err := apis.GetAPIRestMatchStreamHandler(
		localCtxt,
		distributor,
		natsClient,
		&config.Relay.HTTPSetting,
		time.Second*time.Duration(config.Distribution.KeepAliveInterval),
		clock,
		common.GetSystemTicker,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.Relay.Endpoints.PathPrefix, nil)

	// Match event stream attach
	matchAPIRouter := apis.RegisterPathPrefix(mainRouter, "/v1/match/{matchID}", nil)
	_ = apis.RegisterPathPrefix(matchAPIRouter, "/ws", map[string]http.HandlerFunc{
		"get": httpHandler.SocketAttachHandler(),
	})
	_ = apis.RegisterPathPrefix(matchAPIRouter, "/stream", map[string]http.HandlerFunc{
		"get": httpHandler.StreamAttachHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverConfig := config.Relay.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverConfig.ListenOn, serverConfig.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(serverConfig.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(serverConfig.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(serverConfig.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	// Tear the distribution layer down
	distributor.Shutdown()

	return nil
}
