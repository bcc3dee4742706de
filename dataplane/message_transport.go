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

package dataplane

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/notifrelay/common"
	"github.com/alwitt/notifrelay/core"
	"github.com/alwitt/notifrelay/management"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// unsubscribeFlushTimeout max wait for the server to confirm an unsubscribe
const unsubscribeFlushTimeout = time.Second * 5

// ForwardMessageHandlerCB callback used to forward new messages to the next pipeline stage
type ForwardMessageHandlerCB func(ctxt context.Context, msg QueueMessage) error

// AlertOnErrorCB callback used to expose internal error to an outer context for handling
type AlertOnErrorCB func(err error)

// NotificationConsumer reads a single user's notification queue
type NotificationConsumer interface {
	// StartReading begin reading notifications
	StartReading(
		forwardCB ForwardMessageHandlerCB,
		errorCB AlertOnErrorCB,
		wg *sync.WaitGroup,
	) error
	// Close stop reading and release the subscription. Unacknowledged messages are
	// left with the queue.
	Close() error
}

// NotificationConsumerFactory opens notification consumers for users
type NotificationConsumerFactory interface {
	// OpenConsumer open a consumer on a user's notification queue
	OpenConsumer(ctxt context.Context, identity string) (NotificationConsumer, error)
}

// ==============================================================================

// jetStreamPushSubscriberImpl implements NotificationConsumer with a JetStream push consumer
type jetStreamPushSubscriberImpl struct {
	goutils.Component
	nats       *core.NatsClient
	sub        *nats.Subscription
	reading    bool
	closed     bool
	forwardMsg ForwardMessageHandlerCB
	errorCB    AlertOnErrorCB
	lock       sync.Mutex
	ctxt       context.Context
	cancel     context.CancelFunc
	// readDone is closed once the read loop has exited
	readDone chan struct{}
}

// getJetStreamPushSubscriber define new NotificationConsumer bound to an existing
// durable consumer
func getJetStreamPushSubscriber(
	ctxt context.Context,
	natsClient *core.NatsClient,
	consumer management.UserConsumerInfo,
	logTags log.Fields,
) (NotificationConsumer, error) {
	// Binding to an existing durable consumer, so unsubscribing does not delete it
	s, err := natsClient.JetStream().SubscribeSync(
		consumer.Subject, nats.Bind(consumer.Stream, consumer.Consumer),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscription")
		return nil, err
	}
	readCtxt, cancel := context.WithCancel(ctxt)
	return &jetStreamPushSubscriberImpl{
		Component: goutils.Component{LogTags: logTags},
		nats:      natsClient,
		sub:       s,
		ctxt:      readCtxt,
		cancel:    cancel,
		readDone:  make(chan struct{}),
	}, nil
}

// StartReading begin reading data from JetStream
func (r *jetStreamPushSubscriberImpl) StartReading(
	forwardCB ForwardMessageHandlerCB,
	errorCB AlertOnErrorCB,
	wg *sync.WaitGroup,
) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.closed {
		err := fmt.Errorf("subscription closed")
		log.WithError(err).WithFields(r.LogTags).Error("Unable to start reading")
		return err
	}
	// Already reading
	if r.reading {
		err := fmt.Errorf("already reading")
		log.WithError(err).WithFields(r.LogTags).Error("Unable to start reading")
		return err
	}
	wg.Add(1)
	r.forwardMsg = forwardCB
	r.errorCB = errorCB
	r.reading = true
	go func() {
		defer wg.Done()
		defer close(r.readDone)
		log.WithFields(r.LogTags).Info("Starting reading from JetStream")
		defer log.WithFields(r.LogTags).Info("Stopping JetStream read loop")
		for {
			newMsg, err := r.sub.NextMsgWithContext(r.ctxt)
			if err != nil {
				if r.ctxt.Err() == nil {
					log.WithError(err).WithFields(r.LogTags).Error("Read failure")
					r.errorCB(err)
				}
				return
			}
			if newMsg != nil {
				log.WithFields(r.LogTags).Debugf("Received %s", msgToString(newMsg))
				if err := r.forwardMsg(r.ctxt, jetStreamMessage{msg: newMsg}); err != nil {
					log.WithError(err).WithFields(r.LogTags).Error("Unable to forward message")
					r.errorCB(err)
				}
			}
		}
	}()
	return nil
}

// Close stop reading from JetStream
//
// Returns once the read loop has exited, and the server has dropped the subscription.
func (r *jetStreamPushSubscriberImpl) Close() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.cancel()
	if r.reading {
		<-r.readDone
	}
	r.releaseBuffered()
	if err := r.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrBadSubscription) {
		log.WithError(err).WithFields(r.LogTags).Error("Unsubscribe failed")
		return err
	}
	// Flush so the durable consumer is unbound before the next subscriber binds to it
	if err := r.nats.NATs().FlushTimeout(unsubscribeFlushTimeout); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unsubscribe flush failed")
		return err
	}
	return nil
}

// releaseBuffered NAK the messages received but never read, so they are redelivered
// without waiting out the ACK timeout
func (r *jetStreamPushSubscriberImpl) releaseBuffered() {
	released := 0
	for {
		msg, err := r.sub.NextMsg(time.Millisecond)
		if err != nil {
			break
		}
		if err := msg.Nak(); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf("Unable to release %s", msgToString(msg))
			continue
		}
		released++
	}
	if released > 0 {
		log.WithFields(r.LogTags).Debugf("Released %d unread messages", released)
	}
}

// ==============================================================================

// jetStreamConsumerFactoryImpl implements NotificationConsumerFactory
type jetStreamConsumerFactoryImpl struct {
	goutils.Component
	rootCtxt   context.Context
	nats       *core.NatsClient
	controller management.NotificationQueueController
}

// GetJetStreamConsumerFactory define new NotificationConsumerFactory
//
// Consumers opened by the factory read until closed, or until rootCtxt is cancelled.
func GetJetStreamConsumerFactory(
	rootCtxt context.Context,
	natsClient *core.NatsClient,
	controller management.NotificationQueueController,
	instance string,
) (NotificationConsumerFactory, error) {
	logTags := log.Fields{
		"module": "dataplane", "component": "js-consumer-factory", "instance": instance,
	}
	return &jetStreamConsumerFactoryImpl{
		Component:  goutils.Component{LogTags: logTags},
		rootCtxt:   rootCtxt,
		nats:       natsClient,
		controller: controller,
	}, nil
}

// OpenConsumer open a consumer on a user's notification queue
func (f *jetStreamConsumerFactoryImpl) OpenConsumer(
	ctxt context.Context, identity string,
) (NotificationConsumer, error) {
	consumer, err := f.controller.EnsureUserConsumer(ctxt, identity)
	if err != nil {
		log.WithError(err).WithFields(f.LogTags).Errorf(
			"Unable to prepare consumer for user %s", identity,
		)
		return nil, err
	}
	logTags := log.Fields{
		"module":    "dataplane",
		"component": "js-push-reader",
		"instance":  f.LogTags["instance"],
		"identity":  identity,
		"stream":    consumer.Stream,
		"consumer":  consumer.Consumer,
	}
	return getJetStreamPushSubscriber(f.rootCtxt, f.nats, consumer, logTags)
}

// ==============================================================================

// NotificationPublisher publishes notifications into users' queues
type NotificationPublisher interface {
	// Publish publish a notification into a user's queue
	Publish(ctxt context.Context, identity string, notification common.Notification) error
}

// jetStreamPublisherImpl implements NotificationPublisher
type jetStreamPublisherImpl struct {
	goutils.Component
	nats          *core.NatsClient
	subjectPrefix string
}

// GetJetStreamPublisher get new NotificationPublisher
func GetJetStreamPublisher(
	natsClient *core.NatsClient, subjectPrefix string, instance string,
) (NotificationPublisher, error) {
	logTags := log.Fields{
		"module": "dataplane", "component": "js-publisher", "instance": instance,
	}
	if subjectPrefix == "" {
		return nil, fmt.Errorf("subject prefix required")
	}
	return &jetStreamPublisherImpl{
		Component:     goutils.Component{LogTags: logTags},
		nats:          natsClient,
		subjectPrefix: subjectPrefix,
	}, nil
}

// Publish publish a notification into a user's queue
func (s *jetStreamPublisherImpl) Publish(
	ctxt context.Context, identity string, notification common.Notification,
) error {
	localLogTags := log.Fields{"identity": identity}
	for k, v := range s.LogTags {
		localLogTags[k] = v
	}
	if identity == "" {
		err := fmt.Errorf("no target user")
		log.WithError(err).WithFields(localLogTags).Error("Unable to send notification")
		return err
	}
	payload, err := common.EncodeNotification(notification)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to encode notification")
		return err
	}
	subject := common.UserNotificationSubject(s.subjectPrefix, identity)
	ack, err := s.nats.JetStream().PublishAsync(subject, payload)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to send notification")
		return err
	}
	// Wait for success, failure, or timeout
	select {
	case goodSig, ok := <-ack.Ok():
		if !ok {
			err := fmt.Errorf("reading nats.PubAckFuture OK channel failure")
			log.WithError(err).WithFields(localLogTags).Error("Notification send failure")
			return err
		}
		log.WithFields(localLogTags).Debugf(
			"Sent %s as [%d] to %s", notification, goodSig.Sequence, goodSig.Stream,
		)
		return nil
	case txErr, ok := <-ack.Err():
		if !ok {
			err := fmt.Errorf("reading nats.PubAckFuture error channel failure")
			log.WithError(err).WithFields(localLogTags).Error("Notification send failure")
			return err
		}
		return txErr
	case <-ctxt.Done():
		err := ctxt.Err()
		log.WithError(err).WithFields(localLogTags).Error("Notification send timed out")
		return err
	}
}
