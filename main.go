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

package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/alwitt/notifrelay/cmd"
	"github.com/alwitt/notifrelay/common"
	"github.com/alwitt/notifrelay/core"
	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
)

type cliArgs struct {
	JSONLog    bool
	LogLevel   string `validate:"required,oneof=debug info warn error"`
	ConfigFile string `validate:"omitempty,file"`
	Hostname   string
	Publish    cmd.PublisherCLIArgs `json:"-" validate:"-"`
}

var cmdArgs cliArgs

var logTags log.Fields

func main() {
	hostname, err := os.Hostname()
	if err != nil {
		log.WithError(err).Fatal("Unable to read hostname")
	}
	cmdArgs.Hostname = hostname
	logTags = log.Fields{
		"module":    "main",
		"component": "main",
		"instance":  hostname,
	}

	common.InstallDefaultConfigValues()

	app := &cli.App{
		Version:     "v0.1.0",
		Usage:       "notification relay",
		Description: "Relays user notifications from NATS JetStream to browsers over websocket",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Emit logs as JSON lines",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				DefaultText: "false",
				Destination: &cmdArgs.JSONLog,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Minimum level logged, one of [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "warn",
				DefaultText: "warn",
				Destination: &cmdArgs.LogLevel,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "config-file",
				Usage:       "YAML config file. Built-in defaults apply to anything it leaves out.",
				Aliases:     []string{"c"},
				EnvVars:     []string{"CONFIG_FILE"},
				Value:       "",
				DefaultText: "",
				Destination: &cmdArgs.ConfigFile,
				Required:    false,
			},
		},
		Commands: []*cli.Command{
			{
				Name:        "server",
				Usage:       "Run the notification relay server",
				Description: "Serves user notifications to authenticated websocket clients",
				Action:      startRelayServer,
			},
			{
				Name:        "publish",
				Usage:       "Send one notification to a user",
				Description: "Publishes a notification into a user's notification queue",
				Flags:       cmd.GetPublisherCLIFlags(&cmdArgs.Publish),
				Action:      runPublisher,
			},
		},
	}

	err = app.Run(os.Args)
	if err != nil {
		log.WithError(err).WithFields(logTags).Fatal("Program shutdown")
	}
}

// logLevels CLI log level names
var logLevels = map[string]log.Level{
	"debug": log.DebugLevel,
	"info":  log.InfoLevel,
	"warn":  log.WarnLevel,
	"error": log.ErrorLevel,
}

// setupLogging select the log handler and level from the CLI flags
func setupLogging() {
	if cmdArgs.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	level, ok := logLevels[cmdArgs.LogLevel]
	if !ok {
		level = log.ErrorLevel
	}
	log.SetLevel(level)
}

// initialCmdArgsProcessing validate the CLI flags, then load and validate the config
func initialCmdArgsProcessing() (*common.SystemConfig, error) {
	validate := validator.New()
	if err := validate.Struct(&cmdArgs); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return nil, err
	}
	setupLogging()
	tmp, err := json.MarshalIndent(&cmdArgs, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to print CLI args")
		return nil, err
	}
	log.Debugf("CLI args\n%s", tmp)
	if len(cmdArgs.ConfigFile) > 0 {
		viper.SetConfigFile(cmdArgs.ConfigFile)
		if err := viper.ReadInConfig(); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to read config file %s", cmdArgs.ConfigFile,
			)
			return nil, err
		}
	}
	var config common.SystemConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to parse config file %s", cmdArgs.ConfigFile,
		)
		return nil, err
	}
	tmp, err = json.MarshalIndent(&config, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to print config")
		return nil, err
	}
	log.Debugf("Effective config\n%s", tmp)
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config")
		return nil, err
	}
	return &config, nil
}

// prepareJetStreamClient connect to NATS. Losing the connection for good cancels the run.
func prepareJetStreamClient(
	config common.NATSConfig, ctxtCancel context.CancelFunc,
) (*core.NatsClient, error) {
	natsParam := core.NATSConnectParams{
		ServerURI:           config.ServerURI,
		ConnectTimeout:      time.Second * time.Duration(config.ConnectTimeout),
		MaxReconnectAttempt: config.Reconnect.MaxAttempts,
		ReconnectWait:       time.Second * time.Duration(config.Reconnect.WaitInterval),
		OnDisconnectCallback: func(_ *nats.Conn, e error) {
			log.WithError(e).WithFields(logTags).Errorf(
				"NATS client disconnected from server %s", config.ServerURI,
			)
		},
		OnReconnectCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Warnf(
				"NATS client reconnected with server %s", config.ServerURI,
			)
		},
		OnCloseCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Error("NATS client closed connection")
			ctxtCancel()
		},
	}
	return core.GetJetStream(natsParam)
}

func defineControlVars() (*sync.WaitGroup, context.Context, context.CancelFunc) {
	runTimeContext, rtCancel := context.WithCancel(context.Background())
	return &sync.WaitGroup{}, runTimeContext, rtCancel
}

// closeJetStreamClient flush and close the NATS client
func closeJetStreamClient(js *core.NatsClient, timeout time.Duration) {
	ctxt, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	js.Close(ctxt)
}

// signalRecvSetup cancel the run on SIGINT
func signalRecvSetup(wg *sync.WaitGroup, runTimeContext context.Context, ctxtCancel context.CancelFunc) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		cc := make(chan os.Signal, 1)
		signal.Notify(cc, os.Interrupt)
		defer signal.Stop(cc)
		select {
		case <-cc:
			ctxtCancel()
		case <-runTimeContext.Done():
		}
	}()
}

// runWithJetStream load the config, connect to NATS, then call run. Returns once run and
// every goroutine it started are done.
func runWithJetStream(
	run func(context.Context, *common.SystemConfig, *core.NatsClient, *sync.WaitGroup) error,
) error {
	config, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}

	wg, runTimeContext, rtCancel := defineControlVars()
	defer wg.Wait()
	defer rtCancel()

	js, err := prepareJetStreamClient(config.NATS, rtCancel)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to connect to NATS at %s", config.NATS.ServerURI,
		)
		return err
	}
	defer closeJetStreamClient(js, time.Second*time.Duration(config.NATS.ConnectTimeout))

	signalRecvSetup(wg, runTimeContext, rtCancel)

	return run(runTimeContext, config, js, wg)
}

// startRelayServer the "server" subcommand
func startRelayServer(c *cli.Context) error {
	return runWithJetStream(func(
		ctxt context.Context, config *common.SystemConfig, js *core.NatsClient, wg *sync.WaitGroup,
	) error {
		return cmd.RunRelayServer(ctxt, config, cmdArgs.Hostname, js, wg)
	})
}

// runPublisher the "publish" subcommand
func runPublisher(c *cli.Context) error {
	return runWithJetStream(func(
		ctxt context.Context, config *common.SystemConfig, js *core.NatsClient, _ *sync.WaitGroup,
	) error {
		return cmd.RunPublisher(ctxt, config, cmdArgs.Publish, cmdArgs.Hostname, js)
	})
}
