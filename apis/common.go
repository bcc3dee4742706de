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

// Package apis contains the relay server's HTTP and websocket handlers
package apis

import (
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/notifrelay/common"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// defineRestAPIHandler define the base REST handler with request logging support
func defineRestAPIHandler(httpConfig *common.HTTPConfig, logTags log.Fields) goutils.RestAPIHandler {
	return goutils.RestAPIHandler{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
		DoNotLogHeaders: func() map[string]bool {
			result := map[string]bool{}
			for _, v := range httpConfig.Logging.DoNotLogHeaders {
				result[v] = true
			}
			return result
		}(),
	}
}

// DefineRelayRouter define the relay server's routes
//
// The welcome text is served on the path prefix itself, the websocket sessions on socketPath
// under the prefix.
func DefineRelayRouter(
	pathPrefix string,
	socketPath string,
	health APIRestHealthHandler,
	sessions *WebSocketSessionHandler,
) *mux.Router {
	router := mux.NewRouter()
	mainRouter := RegisterPathPrefix(router, pathPrefix, nil)

	mainRouter.Methods("get").Path("/").HandlerFunc(health.WelcomeHandler())
	if pathPrefix != "/" {
		router.Methods("get").Path(pathPrefix).HandlerFunc(health.WelcomeHandler())
	}

	// Client sessions
	_ = RegisterPathPrefix(mainRouter, socketPath, MethodHandlers{
		"get": sessions.ServeHandler(),
	})

	// Health check
	_ = RegisterPathPrefix(mainRouter, "/alive", MethodHandlers{
		"get": health.AliveHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/ready", MethodHandlers{
		"get": health.ReadyHandler(),
	})
	return router
}
