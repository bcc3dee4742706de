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

package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/alwitt/goutils"
	"github.com/alwitt/notifrelay/common"
	"github.com/alwitt/notifrelay/dataplane"
	"github.com/apex/log"
)

// DeliveryHandler callback receiving each newly delivered notification of an identity
type DeliveryHandler func(identity string, notification common.Notification)

// QueueBridge owns the queue subscriptions of the identities with live connections, and
// tracks the notifications each identity has yet to acknowledge
type QueueBridge interface {
	// Start subscribe to an identity's queue. No-op if already subscribed.
	Start(ctxt context.Context, identity string, forward DeliveryHandler) error
	// Stop unsubscribe from an identity's queue, releasing unacknowledged notifications
	// back to the queue
	Stop(identity string) error
	// StopAll stop every subscription
	StopAll()
	// Acknowledge acknowledge a notification. Only the earliest pending notification
	// can be acknowledged.
	Acknowledge(ctxt context.Context, identity string, id int64) bool
	// GetUnacknowledged list an identity's pending notifications in arrival order
	GetUnacknowledged(identity string) []common.Notification
	// IsSubscribed whether an identity's queue is subscribed to
	IsSubscribed(identity string) bool
}

// subscription an identity's active queue subscription
type subscription struct {
	goutils.Component
	identity string
	consumer dataplane.NotificationConsumer
	forward  DeliveryHandler
	lock     sync.Mutex
	active   bool
	pending  *pendingQueue
}

// onDelivery process a message read from the identity's queue
func (s *subscription) onDelivery(ctxt context.Context, msg dataplane.QueueMessage) error {
	notification, err := common.ParseNotification(msg.Data())
	if err != nil {
		// Never deliverable, so drop it from the queue
		log.WithError(err).WithFields(s.LogTags).Errorf("Dropping bad message %s", msg)
		if err := msg.Ack(ctxt); err != nil {
			return fmt.Errorf("unable to drop bad message %s: %w", msg, err)
		}
		return nil
	}
	s.lock.Lock()
	if !s.active {
		s.lock.Unlock()
		log.WithFields(s.LogTags).Debugf("Releasing %s delivered after stop", notification)
		return msg.Nak()
	}
	isNew := s.pending.insert(pendingNotification{notification: notification, msg: msg})
	pendingCount := s.pending.len()
	s.lock.Unlock()
	if !isNew {
		log.WithFields(s.LogTags).Debugf("Redelivery of pending %s", notification)
		return nil
	}
	log.WithFields(s.LogTags).Debugf("Received %s (%d pending)", notification, pendingCount)
	s.forward(s.identity, notification)
	return nil
}

// queueBridgeImpl implements QueueBridge
type queueBridgeImpl struct {
	goutils.Component
	factory       dataplane.NotificationConsumerFactory
	wg            *sync.WaitGroup
	lock          sync.Mutex
	subscriptions map[string]*subscription
}

// GetQueueBridge define new QueueBridge
//
// The read loops of the subscriptions are tracked by wg.
func GetQueueBridge(
	factory dataplane.NotificationConsumerFactory, wg *sync.WaitGroup, instance string,
) QueueBridge {
	logTags := log.Fields{
		"module": "relay", "component": "queue-bridge", "instance": instance,
	}
	return &queueBridgeImpl{
		Component:     goutils.Component{LogTags: logTags},
		factory:       factory,
		wg:            wg,
		subscriptions: make(map[string]*subscription),
	}
}

func (b *queueBridgeImpl) getSubscription(identity string) *subscription {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.subscriptions[identity]
}

// Start subscribe to an identity's queue
func (b *queueBridgeImpl) Start(
	ctxt context.Context, identity string, forward DeliveryHandler,
) error {
	if b.IsSubscribed(identity) {
		return nil
	}
	consumer, err := b.factory.OpenConsumer(ctxt, identity)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Unable to subscribe for %s", identity)
		return err
	}
	logTags := log.Fields{"identity": identity}
	for k, v := range b.LogTags {
		logTags[k] = v
	}
	sub := &subscription{
		Component: goutils.Component{LogTags: logTags},
		identity:  identity,
		consumer:  consumer,
		forward:   forward,
		active:    true,
		pending:   newPendingQueue(),
	}
	b.lock.Lock()
	if _, ok := b.subscriptions[identity]; ok {
		b.lock.Unlock()
		// Lost the race with another start
		return consumer.Close()
	}
	b.subscriptions[identity] = sub
	b.lock.Unlock()

	if err := consumer.StartReading(sub.onDelivery, func(err error) {
		log.WithError(err).WithFields(sub.LogTags).Error("Queue read error")
	}, b.wg); err != nil {
		log.WithError(err).WithFields(sub.LogTags).Error("Unable to start reading queue")
		b.lock.Lock()
		if b.subscriptions[identity] == sub {
			delete(b.subscriptions, identity)
		}
		b.lock.Unlock()
		_ = consumer.Close()
		return err
	}
	log.WithFields(sub.LogTags).Info("Subscribed to notification queue")
	return nil
}

// Stop unsubscribe from an identity's queue
func (b *queueBridgeImpl) Stop(identity string) error {
	b.lock.Lock()
	sub, ok := b.subscriptions[identity]
	delete(b.subscriptions, identity)
	b.lock.Unlock()
	if !ok {
		return nil
	}

	sub.lock.Lock()
	sub.active = false
	released := sub.pending.drain()
	sub.lock.Unlock()

	err := sub.consumer.Close()
	if err != nil {
		log.WithError(err).WithFields(sub.LogTags).Error("Unable to close queue consumer")
	}
	for _, entry := range released {
		if nakErr := entry.msg.Nak(); nakErr != nil {
			log.WithError(nakErr).WithFields(sub.LogTags).Errorf(
				"Unable to release %s", entry.notification,
			)
		}
	}
	log.WithFields(sub.LogTags).Infof(
		"Unsubscribed from notification queue, released %d", len(released),
	)
	return err
}

// StopAll stop every subscription
func (b *queueBridgeImpl) StopAll() {
	b.lock.Lock()
	identities := make([]string, 0, len(b.subscriptions))
	for identity := range b.subscriptions {
		identities = append(identities, identity)
	}
	b.lock.Unlock()
	for _, identity := range identities {
		_ = b.Stop(identity)
	}
}

// Acknowledge acknowledge the earliest pending notification of an identity
//
// The queue ACK is sent without holding the subscription lock. The entry is only removed
// if it is still the earliest pending one afterwards.
func (b *queueBridgeImpl) Acknowledge(ctxt context.Context, identity string, id int64) bool {
	sub := b.getSubscription(identity)
	if sub == nil {
		return false
	}
	sub.lock.Lock()
	if !sub.active {
		sub.lock.Unlock()
		return false
	}
	head, ok := sub.pending.head()
	if !ok || head.notification.ID != id {
		sub.lock.Unlock()
		return false
	}
	msg := head.msg
	sub.lock.Unlock()

	if err := msg.Ack(ctxt); err != nil {
		log.WithError(err).WithFields(sub.LogTags).Errorf("Unable to acknowledge %s", msg)
		return false
	}

	sub.lock.Lock()
	defer sub.lock.Unlock()
	current, ok := sub.pending.head()
	if !ok || current != head {
		// Removed by a concurrent acknowledge or stop
		return false
	}
	sub.pending.popHead()
	log.WithFields(sub.LogTags).Debugf("Acknowledged notification %d", id)
	return true
}

// GetUnacknowledged list an identity's pending notifications in arrival order
func (b *queueBridgeImpl) GetUnacknowledged(identity string) []common.Notification {
	sub := b.getSubscription(identity)
	if sub == nil {
		return []common.Notification{}
	}
	sub.lock.Lock()
	entries := sub.pending.entries()
	sub.lock.Unlock()
	result := make([]common.Notification, len(entries))
	for idx, entry := range entries {
		result[idx] = entry.notification
	}
	return result
}

// IsSubscribed whether an identity's queue is subscribed to
func (b *queueBridgeImpl) IsSubscribed(identity string) bool {
	return b.getSubscription(identity) != nil
}
