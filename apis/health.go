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

package apis

import (
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/notifrelay/common"
	"github.com/apex/log"
)

// WelcomeText body returned on the relay server's base path
const WelcomeText = "Welcome to OIOIOI Notifications Server. " +
	"This server is available for purpose of serving online notifications. " +
	"This server does not host a functional website itself."

// BrokerStatus reports whether the notification queue broker is reachable
type BrokerStatus interface {
	// Connected whether the broker connection is up
	Connected() bool
}

// APIRestHealthHandler REST handler for the relay server health checks
type APIRestHealthHandler struct {
	goutils.RestAPIHandler
	broker BrokerStatus
}

// GetAPIRestHealthHandler define APIRestHealthHandler
func GetAPIRestHealthHandler(
	broker BrokerStatus, httpConfig *common.HTTPConfig,
) (APIRestHealthHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "health",
	}
	return APIRestHealthHandler{
		RestAPIHandler: defineRestAPIHandler(httpConfig, logTags),
		broker:         broker,
	}, nil
}

// Welcome describe the server to browsers landing on it
func (h APIRestHealthHandler) Welcome(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(WelcomeText)); err != nil {
		log.WithError(err).WithFields(h.GetLogTagsForContext(r.Context())).Error(
			"Failed to form response",
		)
	}
}

// WelcomeHandler Wrapper around Welcome
func (h APIRestHealthHandler) WelcomeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Welcome(w, r)
	}
}

// Write logging support
func (h APIRestHealthHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// -----------------------------------------------------------------------

// Alive will return success to indicate the relay server is live
func (h APIRestHealthHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestHealthHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready will return success if the notification queue broker is reachable
func (h APIRestHealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.broker.Connected() {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestHealthHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
