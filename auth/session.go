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

// Package auth validates client session tokens against the external identity service
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/go-resty/resty/v2"
)

// ErrAuthenticationFailure the session token could not be validated
var ErrAuthenticationFailure = errors.New("authentication failure")

// SessionAuthenticator resolves session tokens into user identities
type SessionAuthenticator interface {
	// Authenticate resolve a session token into the identity it belongs to
	Authenticate(ctxt context.Context, token string) (string, error)
	// Sweep evict expired cache entries
	Sweep()
}

// SessionAuthenticatorParam parameters for the SessionAuthenticator
type SessionAuthenticatorParam struct {
	// ValidationURL the session validation endpoint
	ValidationURL string `validate:"required,url"`
	// CacheTTL how long a validated session is trusted without re-validation
	CacheTTL time.Duration `validate:"gte=0"`
	// RequestTimeout max duration of one validation call
	RequestTimeout time.Duration `validate:"required"`
}

// cachedSession a validated session
type cachedSession struct {
	identity  string
	expiresAt time.Time
}

// validationResponse body of a validation endpoint response
type validationResponse struct {
	Status string `json:"status"`
	User   string `json:"user"`
}

// sessionAuthenticatorImpl implements SessionAuthenticator
type sessionAuthenticatorImpl struct {
	goutils.Component
	param  SessionAuthenticatorParam
	client *resty.Client
	cache  map[string]cachedSession
	lock   sync.Mutex
	now    func() time.Time
}

// GetSessionAuthenticator define new SessionAuthenticator
//
// A nil client is replaced with one using the param request timeout.
func GetSessionAuthenticator(
	param SessionAuthenticatorParam, client *resty.Client, instance string,
) (SessionAuthenticator, error) {
	logTags := log.Fields{
		"module": "auth", "component": "session-authenticator", "instance": instance,
	}
	validate := validator.New()
	if err := validate.Struct(&param); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid authenticator parameters")
		return nil, err
	}
	if client == nil {
		client = resty.New().SetTimeout(param.RequestTimeout)
	}
	return &sessionAuthenticatorImpl{
		Component: goutils.Component{LogTags: logTags},
		param:     param,
		client:    client,
		cache:     make(map[string]cachedSession),
		now:       time.Now,
	}, nil
}

// Authenticate resolve a session token into the identity it belongs to
func (a *sessionAuthenticatorImpl) Authenticate(ctxt context.Context, token string) (string, error) {
	if identity, ok := a.fromCache(token); ok {
		log.WithFields(a.LogTags).Debugf("User %s authenticated from cache", identity)
		return identity, nil
	}
	identity, err := a.validate(ctxt, token)
	if err != nil {
		log.WithError(err).WithFields(a.LogTags).Info("Session validation failed")
		return "", err
	}
	a.lock.Lock()
	a.cache[token] = cachedSession{
		identity: identity, expiresAt: a.now().Add(a.param.CacheTTL),
	}
	a.lock.Unlock()
	log.WithFields(a.LogTags).Infof("Authorized user %s", identity)
	return identity, nil
}

// fromCache fetch an unexpired identity for a token
func (a *sessionAuthenticatorImpl) fromCache(token string) (string, bool) {
	a.lock.Lock()
	defer a.lock.Unlock()
	entry, ok := a.cache[token]
	if !ok || !a.now().Before(entry.expiresAt) {
		return "", false
	}
	return entry.identity, true
}

// validate query the validation endpoint for the identity owning the token
func (a *sessionAuthenticatorImpl) validate(ctxt context.Context, token string) (string, error) {
	var body validationResponse
	resp, err := a.client.R().
		SetContext(ctxt).
		SetHeader("Cookie", fmt.Sprintf("sessionid=%s", token)).
		ForceContentType("application/json").
		SetResult(&body).
		Get(a.param.ValidationURL)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrAuthenticationFailure, err.Error())
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf(
			"%w: validation endpoint returned %d", ErrAuthenticationFailure, resp.StatusCode(),
		)
	}
	if body.Status != "OK" {
		return "", fmt.Errorf("%w: session status %q", ErrAuthenticationFailure, body.Status)
	}
	if body.User == "" {
		return "", fmt.Errorf("%w: no user for session", ErrAuthenticationFailure)
	}
	return body.User, nil
}

// Sweep evict expired cache entries
func (a *sessionAuthenticatorImpl) Sweep() {
	a.lock.Lock()
	defer a.lock.Unlock()
	current := a.now()
	evicted := 0
	for token, entry := range a.cache {
		if !current.Before(entry.expiresAt) {
			delete(a.cache, token)
			evicted++
		}
	}
	if evicted > 0 {
		log.WithFields(a.LogTags).Debugf("Evicted %d expired sessions", evicted)
	}
}
