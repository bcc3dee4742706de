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
	"strings"
	"testing"
	"time"

	"github.com/alwitt/notifrelay/common"
	"github.com/alwitt/notifrelay/core"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

func compactUUID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

func TestNotificationQueueControllerParams(t *testing.T) {
	assert := assert.New(t)

	goodConsumer := UserConsumerParam{AckWait: time.Second, MaxInflight: 10}

	// Case 0: stream name must be alphanumeric
	{
		_, err := GetNotificationQueueController(
			nil,
			NotificationStreamParam{Name: "bad-name", SubjectPrefix: "notifications"},
			goodConsumer,
			"ut-params",
		)
		assert.NotNil(err)
	}

	// Case 1: consumer must allow at least one inflight
	{
		_, err := GetNotificationQueueController(
			nil,
			NotificationStreamParam{Name: "notifications", SubjectPrefix: "notifications"},
			UserConsumerParam{AckWait: time.Second},
			"ut-params",
		)
		assert.NotNil(err)
	}

	// Case 2: valid
	{
		_, err := GetNotificationQueueController(
			nil,
			NotificationStreamParam{Name: "notifications", SubjectPrefix: "notifications"},
			goodConsumer,
			"ut-params",
		)
		assert.Nil(err)
	}
}

func TestNotificationQueueController(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	testName := "ut-notification-queue"

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	logTags := log.Fields{
		"module":    "management_test",
		"component": "NotificationQueueController",
		"instance":  "basic",
	}

	natsParam := core.NATSConnectParams{
		ServerURI:           common.GetUnitTestNatsURI(),
		ConnectTimeout:      time.Second,
		MaxReconnectAttempt: 0,
		ReconnectWait:       time.Second,
		OnDisconnectCallback: func(_ *nats.Conn, e error) {
			if e != nil {
				log.WithError(e).WithFields(logTags).Error(
					"Disconnect callback triggered with failure",
				)
			}
		},
		OnReconnectCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Debug("Reconnected with NATs server")
		},
		OnCloseCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Debug("Disconnected from NATs server")
		},
	}

	js, err := core.GetJetStream(natsParam)
	assert.Nil(err)
	defer js.Close(utCtxt)
	if !js.Connected() {
		t.Skip("NATS server not reachable")
	}

	streamParam := NotificationStreamParam{
		Name:          compactUUID(),
		SubjectPrefix: compactUUID(),
		MaxAge:        time.Minute,
	}
	uut, err := GetNotificationQueueController(
		js, streamParam, UserConsumerParam{AckWait: time.Second * 5, MaxInflight: 16}, testName,
	)
	assert.Nil(err)

	// Case 0: define the stream, twice
	{
		ctxt, cancel := context.WithTimeout(utCtxt, time.Second)
		assert.Nil(uut.EnsureStream(ctxt))
		assert.Nil(uut.EnsureStream(ctxt))
		cancel()
	}
	defer func() {
		ctxt, cancel := context.WithTimeout(utCtxt, time.Second)
		defer cancel()
		assert.Nil(uut.DeleteStream(ctxt))
	}()

	// Case 1: unknown user has no consumer
	{
		ctxt, cancel := context.WithTimeout(utCtxt, time.Second)
		_, err := uut.GetUserConsumer(ctxt, "alice")
		assert.NotNil(err)
		cancel()
	}

	// Case 2: define user consumer, twice
	{
		ctxt, cancel := context.WithTimeout(utCtxt, time.Second)
		info, err := uut.EnsureUserConsumer(ctxt, "alice")
		assert.Nil(err)
		assert.Equal(streamParam.Name, info.Stream)
		assert.Equal(common.UserNotificationSubject(streamParam.SubjectPrefix, "alice"), info.Subject)
		assert.Equal(common.UserConsumerName("alice"), info.Consumer)
		again, err := uut.EnsureUserConsumer(ctxt, "alice")
		assert.Nil(err)
		assert.Equal(info, again)

		consumer, err := uut.GetUserConsumer(ctxt, "alice")
		assert.Nil(err)
		assert.Equal(info.Subject, consumer.Config.FilterSubject)
		assert.Equal(16, consumer.Config.MaxAckPending)
		assert.Equal(nats.AckExplicitPolicy, consumer.Config.AckPolicy)
		cancel()
	}

	// Case 3: user names which are not valid subject tokens
	{
		ctxt, cancel := context.WithTimeout(utCtxt, time.Second)
		_, err := uut.EnsureUserConsumer(ctxt, "bob.smith@example.com")
		assert.Nil(err)
		cancel()
	}

	// Case 4: delete user consumer
	{
		ctxt, cancel := context.WithTimeout(utCtxt, time.Second)
		assert.Nil(uut.DeleteUserConsumer(ctxt, "alice"))
		_, err := uut.GetUserConsumer(ctxt, "alice")
		assert.NotNil(err)
		assert.NotNil(uut.DeleteUserConsumer(ctxt, "alice"))
		cancel()
	}
}
