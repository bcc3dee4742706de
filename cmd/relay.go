// Copyright 2021-2022 The httpmq Authors
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

	"github.com/alwitt/notifrelay/apis"
	"github.com/alwitt/notifrelay/auth"
	"github.com/alwitt/notifrelay/common"
	"github.com/alwitt/notifrelay/core"
	"github.com/alwitt/notifrelay/dataplane"
	"github.com/alwitt/notifrelay/management"
	"github.com/alwitt/notifrelay/relay"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// defineQueueController define the notification queue controller, and make sure the
// notification stream exists
func defineQueueController(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
) (management.NotificationQueueController, error) {
	controller, err := management.GetNotificationQueueController(
		natsClient,
		management.NotificationStreamParam{
			Name:          config.Queue.StreamName,
			SubjectPrefix: config.Queue.SubjectPrefix,
			MaxAge:        time.Second * time.Duration(config.Queue.MaxAgeSec),
		},
		management.UserConsumerParam{
			AckWait:     time.Second * time.Duration(config.Queue.Consumer.AckWaitSec),
			MaxInflight: config.Queue.Consumer.MaxInflight,
		},
		instance,
	)
	if err != nil {
		return nil, err
	}
	ctxt, cancel := context.WithTimeout(
		runTimeContext, time.Second*time.Duration(config.NATS.ConnectTimeout),
	)
	defer cancel()
	if err := controller.EnsureStream(ctxt); err != nil {
		return nil, err
	}
	return controller, nil
}

// RunRelayServer run the notification relay server
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

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	// -------------------------------------------------------------------
	// Notification queues

	controller, err := defineQueueController(localCtxt, config, instance, natsClient)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to prepare notification stream")
		return err
	}

	consumers, err := dataplane.GetJetStreamConsumerFactory(
		localCtxt, natsClient, controller, instance,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define consumer factory")
		return err
	}

	// -------------------------------------------------------------------
	// Session authentication

	authenticator, err := auth.GetSessionAuthenticator(
		auth.SessionAuthenticatorParam{
			ValidationURL:  config.Auth.ValidationURL,
			CacheTTL:       time.Second * time.Duration(config.Auth.CacheTTLSec),
			RequestTimeout: time.Second * time.Duration(config.Auth.RequestTimeoutSec),
		},
		nil,
		instance,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session authenticator")
		return err
	}

	sweeper, err := common.GetIntervalTimerInstance(localCtxt, wg, "session-cache-sweep")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session cache sweeper")
		return err
	}
	if err := sweeper.Start(
		time.Second*time.Duration(config.Auth.CacheSweepIntervalSec),
		func() error {
			authenticator.Sweep()
			return nil
		},
		false,
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start session cache sweeper")
		return err
	}
	defer func() {
		_ = sweeper.Stop()
	}()

	// -------------------------------------------------------------------
	// Relay

	bridge := relay.GetQueueBridge(consumers, wg, instance)
	relayer, err := relay.GetNotificationRelay(
		localCtxt,
		relay.NotificationRelayParam{
			Workers:          config.Relay.SubscriptionWorkers,
			QueueCallTimeout: time.Second * time.Duration(config.Relay.QueueCallTimeoutSec),
		},
		authenticator,
		relay.GetConnectionRegistry(instance),
		bridge,
		instance,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define notification relay")
		return err
	}
	if err := relayer.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start notification relay")
		return err
	}
	// Release every subscription on the way out, so pending notifications are redelivered
	defer func() {
		_ = relayer.Stop()
	}()

	// -------------------------------------------------------------------
	// Start the HTTP server

	httpCfg := &config.Relay.HTTPSetting
	healthHandler, err := apis.GetAPIRestHealthHandler(natsClient, httpCfg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define health handler")
		return err
	}
	sessionHandler, err := apis.GetWebSocketSessionHandler(
		localCtxt, relayer, httpCfg, config.Relay.Session, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define websocket handler")
		return err
	}

	router := apis.DefineRelayRouter(
		config.Relay.Endpoints.PathPrefix,
		config.Relay.Endpoints.SocketPath,
		healthHandler,
		sessionHandler,
	)

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(healthHandler, next)
	})

	serverListen := fmt.Sprintf(
		"%s:%d", httpCfg.Server.ListenOn, httpCfg.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(httpCfg.Server.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(httpCfg.Server.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(httpCfg.Server.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
			lclCancel()
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-localCtxt.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
