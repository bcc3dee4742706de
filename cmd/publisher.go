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
	"encoding/json"
	"fmt"
	"time"

	"github.com/alwitt/notifrelay/common"
	"github.com/alwitt/notifrelay/core"
	"github.com/alwitt/notifrelay/dataplane"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/urfave/cli/v2"
)

// PublisherCLIArgs arguments for the publish subcommand
type PublisherCLIArgs struct {
	// User the user to notify
	User string `validate:"required"`
	// Message the notification content
	Message string `validate:"required"`
	// RawJSON whether Message is already JSON
	RawJSON bool
}

// GetPublisherCLIFlags retrieve the set of CMD flags for the publish subcommand
func GetPublisherCLIFlags(args *PublisherCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "user",
			Usage:       "User to send the notification to",
			Aliases:     []string{"u"},
			Destination: &args.User,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "message",
			Usage:       "Notification content",
			Aliases:     []string{"m"},
			Destination: &args.Message,
			Required:    true,
		},
		&cli.BoolFlag{
			Name:        "raw-json",
			Usage:       "Send the message as is, instead of as a JSON string",
			Value:       false,
			DefaultText: "false",
			Destination: &args.RawJSON,
			Required:    false,
		},
	}
}

// buildNotification build the notification to publish. The notification ID is the current
// time in milliseconds.
func buildNotification(args PublisherCLIArgs, now time.Time) (common.Notification, error) {
	var content json.RawMessage
	if args.RawJSON {
		if !json.Valid([]byte(args.Message)) {
			return common.Notification{}, fmt.Errorf("message is not valid JSON")
		}
		content = json.RawMessage(args.Message)
	} else {
		encoded, err := json.Marshal(args.Message)
		if err != nil {
			return common.Notification{}, err
		}
		content = encoded
	}
	return common.Notification{ID: now.UnixMilli(), Message: content}, nil
}

// RunPublisher publish one notification to a user
func RunPublisher(
	runTimeContext context.Context,
	config *common.SystemConfig,
	args PublisherCLIArgs,
	instance string,
	natsClient *core.NatsClient,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "publisher",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(&args); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return err
	}

	notification, err := buildNotification(args, time.Now())
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to build notification")
		return err
	}

	// Notifications published before any relay started still need a stream to land in
	if _, err := defineQueueController(runTimeContext, config, instance, natsClient); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to prepare notification stream")
		return err
	}

	publisher, err := dataplane.GetJetStreamPublisher(
		natsClient, config.Queue.SubjectPrefix, instance,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define notification publisher")
		return err
	}

	ctxt, cancel := context.WithTimeout(
		runTimeContext, time.Second*time.Duration(config.NATS.ConnectTimeout),
	)
	defer cancel()
	if err := publisher.Publish(ctxt, args.User, notification); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to notify %s", args.User)
		return err
	}
	log.WithFields(logTags).Infof("Sent %s to %s", notification, args.User)
	return nil
}
