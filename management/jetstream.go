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

package management

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/notifrelay/common"
	"github.com/alwitt/notifrelay/core"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// NotificationStreamParam list parameters for defining the notification stream
type NotificationStreamParam struct {
	// Name is the stream name
	Name string `json:"name" validate:"required,alphanum"`
	// SubjectPrefix is the prefix of every user notification subject
	SubjectPrefix string `json:"subject_prefix" validate:"required,alphanum"`
	// MaxAge is the max duration a notification is retained. Zero means no limit.
	MaxAge time.Duration `json:"max_age" validate:"gte=0"`
}

// UserConsumerParam list parameters for defining a user's notification consumer
type UserConsumerParam struct {
	// AckWait is how long JetStream waits for an ACK before redelivering
	AckWait time.Duration `json:"ack_wait" validate:"required"`
	// MaxInflight max number of un-ACKed notifications permitted in-flight
	MaxInflight int `json:"max_inflight" validate:"required,gte=1"`
}

// UserConsumerInfo describes where a user's notifications are read from
type UserConsumerInfo struct {
	// Stream is the JetStream stream name
	Stream string
	// Subject is the subject holding this user's notifications
	Subject string
	// Consumer is the durable consumer name
	Consumer string
}

// NotificationQueueController manage the JetStream objects backing user notification queues
type NotificationQueueController interface {
	// EnsureStream create the notification stream if it does not already exist
	EnsureStream(ctxt context.Context) error
	// DeleteStream delete the notification stream
	DeleteStream(ctxt context.Context) error
	// EnsureUserConsumer create the durable consumer for a user if it does not already exist
	EnsureUserConsumer(ctxt context.Context, identity string) (UserConsumerInfo, error)
	// GetUserConsumer query for info on a user's consumer
	GetUserConsumer(ctxt context.Context, identity string) (*nats.ConsumerInfo, error)
	// DeleteUserConsumer delete a user's consumer, dropping its delivery state
	DeleteUserConsumer(ctxt context.Context, identity string) error
}

// notificationQueueControllerImpl implements NotificationQueueController
type notificationQueueControllerImpl struct {
	goutils.Component
	core     *core.NatsClient
	stream   NotificationStreamParam
	consumer UserConsumerParam
}

// GetNotificationQueueController define NotificationQueueController
func GetNotificationQueueController(
	natsCore *core.NatsClient,
	stream NotificationStreamParam,
	consumer UserConsumerParam,
	instance string,
) (NotificationQueueController, error) {
	logTags := log.Fields{
		"module":    "management",
		"component": "notification-queue",
		"instance":  instance,
		"stream":    stream.Name,
	}
	validate := validator.New()
	if err := validate.Struct(&stream); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid stream parameters")
		return nil, err
	}
	if err := validate.Struct(&consumer); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid consumer parameters")
		return nil, err
	}
	return &notificationQueueControllerImpl{
		Component: goutils.Component{LogTags: logTags},
		core:      natsCore,
		stream:    stream,
		consumer:  consumer,
	}, nil
}

// =======================================================================
// Stream related controls

// EnsureStream create the notification stream if needed
func (c *notificationQueueControllerImpl) EnsureStream(ctxt context.Context) error {
	subjects := []string{common.NotificationSubjectWildcard(c.stream.SubjectPrefix)}
	info, err := c.core.JetStream().StreamInfo(c.stream.Name, nats.Context(ctxt))
	if err == nil {
		// Stream exists, make sure it is still collecting the notification subjects
		if len(info.Config.Subjects) == 1 && info.Config.Subjects[0] == subjects[0] {
			log.WithFields(c.LogTags).Debug("Notification stream already defined")
			return nil
		}
		updated := info.Config
		updated.Subjects = subjects
		if _, err := c.core.JetStream().UpdateStream(&updated, nats.Context(ctxt)); err != nil {
			log.WithError(err).WithFields(c.LogTags).Error("Unable to update notification stream subjects")
			return err
		}
		log.WithFields(c.LogTags).Infof("Notification stream now collects %s", subjects[0])
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to query notification stream")
		return err
	}
	streamCfg := nats.StreamConfig{
		Name:      c.stream.Name,
		Subjects:  subjects,
		Retention: nats.LimitsPolicy,
		MaxAge:    c.stream.MaxAge,
	}
	if _, err := c.core.JetStream().AddStream(&streamCfg, nats.Context(ctxt)); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to define notification stream")
		return err
	}
	log.WithFields(c.LogTags).Infof("Defined notification stream collecting %s", subjects[0])
	return nil
}

// DeleteStream delete the notification stream
func (c *notificationQueueControllerImpl) DeleteStream(ctxt context.Context) error {
	if err := c.core.JetStream().DeleteStream(c.stream.Name, nats.Context(ctxt)); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to delete notification stream")
		return err
	}
	log.WithFields(c.LogTags).Info("Deleted notification stream")
	return nil
}

// =======================================================================
// Consumer related controls

// EnsureUserConsumer create the durable consumer for a user if needed
func (c *notificationQueueControllerImpl) EnsureUserConsumer(
	ctxt context.Context, identity string,
) (UserConsumerInfo, error) {
	result := UserConsumerInfo{
		Stream:   c.stream.Name,
		Subject:  common.UserNotificationSubject(c.stream.SubjectPrefix, identity),
		Consumer: common.UserConsumerName(identity),
	}
	_, err := c.core.JetStream().ConsumerInfo(c.stream.Name, result.Consumer, nats.Context(ctxt))
	if err == nil {
		return result, nil
	}
	if !errors.Is(err, nats.ErrConsumerNotFound) {
		log.WithError(err).WithFields(c.LogTags).Errorf(
			"Unable to query consumer of user %s", identity,
		)
		return UserConsumerInfo{}, err
	}
	// Delivery is push mode, so a deliver subject is needed
	consumerCfg := nats.ConsumerConfig{
		Durable:        result.Consumer,
		Description:    fmt.Sprintf("notifications for %s", identity),
		DeliverSubject: nats.NewInbox(),
		DeliverPolicy:  nats.DeliverAllPolicy,
		AckPolicy:      nats.AckExplicitPolicy,
		AckWait:        c.consumer.AckWait,
		MaxAckPending:  c.consumer.MaxInflight,
		FilterSubject:  result.Subject,
	}
	if _, err := c.core.JetStream().AddConsumer(
		c.stream.Name, &consumerCfg, nats.Context(ctxt),
	); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf(
			"Unable to define consumer for user %s", identity,
		)
		return UserConsumerInfo{}, err
	}
	log.WithFields(c.LogTags).Infof("Defined consumer %s for user %s", result.Consumer, identity)
	return result, nil
}

// GetUserConsumer get info on a user's consumer
func (c *notificationQueueControllerImpl) GetUserConsumer(
	ctxt context.Context, identity string,
) (*nats.ConsumerInfo, error) {
	consumer := common.UserConsumerName(identity)
	info, err := c.core.JetStream().ConsumerInfo(c.stream.Name, consumer, nats.Context(ctxt))
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf(
			"Unable to get consumer %s info", consumer,
		)
	}
	return info, err
}

// DeleteUserConsumer delete a user's consumer
func (c *notificationQueueControllerImpl) DeleteUserConsumer(
	ctxt context.Context, identity string,
) error {
	consumer := common.UserConsumerName(identity)
	if err := c.core.JetStream().DeleteConsumer(
		c.stream.Name, consumer, nats.Context(ctxt),
	); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Unable to delete consumer %s", consumer)
		return err
	}
	log.WithFields(c.LogTags).Infof("Deleted consumer %s", consumer)
	return nil
}
