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
	"errors"
	"sync"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// ErrConnectionClosed the connection is no longer tracked
var ErrConnectionClosed = errors.New("connection closed")

// ErrUnknownConnection the connection was never tracked
var ErrUnknownConnection = errors.New("unknown connection")

// RegistrationResult outcome of binding a connection to an identity
type RegistrationResult struct {
	// FirstConnection whether this is the only connection of the identity
	FirstConnection bool
	// PreviousIdentity the identity the connection was bound to before, if rebound
	PreviousIdentity string
	// PreviousEmptied whether the previous identity no longer has any connection
	PreviousEmptied bool
}

// ConnectionRegistry tracks live connections and the identities they are bound to
type ConnectionRegistry interface {
	// Track start tracking a new connection
	Track(connID string)
	// Register bind a tracked connection to an identity
	Register(connID, identity string) (RegistrationResult, error)
	// Unregister drop a connection. Returns the identity it was bound to (empty if
	// unbound), and whether that identity is left with no connections.
	Unregister(connID string) (string, bool)
	// Unbind return a connection to the unauthenticated state, keeping it tracked.
	// Returns the identity it was bound to, and whether that identity is left with no
	// connections.
	Unbind(connID string) (string, bool)
	// ResolveIdentity get the identity a connection is bound to
	ResolveIdentity(connID string) (string, bool)
	// ConnectionsFor list the connections bound to an identity
	ConnectionsFor(identity string) []string
	// HasConnections whether any connection is bound to an identity
	HasConnections(identity string) bool
}

// connectionRegistryImpl implements ConnectionRegistry
type connectionRegistryImpl struct {
	goutils.Component
	lock sync.RWMutex
	// connections maps connection to bound identity ("" while unbound)
	connections map[string]string
	// identities maps identity to its set of connections. Never holds an empty set.
	identities map[string]map[string]bool
}

// GetConnectionRegistry define new ConnectionRegistry
func GetConnectionRegistry(instance string) ConnectionRegistry {
	logTags := log.Fields{
		"module": "relay", "component": "connection-registry", "instance": instance,
	}
	return &connectionRegistryImpl{
		Component:   goutils.Component{LogTags: logTags},
		connections: make(map[string]string),
		identities:  make(map[string]map[string]bool),
	}
}

// Track start tracking a new connection
func (r *connectionRegistryImpl) Track(connID string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.connections[connID]; !ok {
		r.connections[connID] = ""
	}
}

// detach remove a connection from its identity set, returns whether the set emptied
func (r *connectionRegistryImpl) detach(connID, identity string) bool {
	conns, ok := r.identities[identity]
	if !ok {
		return false
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.identities, identity)
		return true
	}
	return false
}

// Register bind a tracked connection to an identity
func (r *connectionRegistryImpl) Register(connID, identity string) (RegistrationResult, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	current, ok := r.connections[connID]
	if !ok {
		return RegistrationResult{}, ErrConnectionClosed
	}
	result := RegistrationResult{}
	if current == identity {
		result.FirstConnection = len(r.identities[identity]) == 1
		return result, nil
	}
	if current != "" {
		result.PreviousIdentity = current
		result.PreviousEmptied = r.detach(connID, current)
	}
	conns, ok := r.identities[identity]
	if !ok {
		conns = make(map[string]bool)
		r.identities[identity] = conns
	}
	conns[connID] = true
	r.connections[connID] = identity
	result.FirstConnection = len(conns) == 1
	log.WithFields(r.LogTags).Debugf(
		"Bound connection %s to %s (%d connections)", connID, identity, len(conns),
	)
	return result, nil
}

// Unregister drop a connection
func (r *connectionRegistryImpl) Unregister(connID string) (string, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	identity, ok := r.connections[connID]
	if !ok {
		return "", false
	}
	delete(r.connections, connID)
	if identity == "" {
		return "", false
	}
	return identity, r.detach(connID, identity)
}

// Unbind return a connection to the unauthenticated state
func (r *connectionRegistryImpl) Unbind(connID string) (string, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	identity, ok := r.connections[connID]
	if !ok || identity == "" {
		return "", false
	}
	r.connections[connID] = ""
	return identity, r.detach(connID, identity)
}

// ResolveIdentity get the identity a connection is bound to
func (r *connectionRegistryImpl) ResolveIdentity(connID string) (string, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	identity, ok := r.connections[connID]
	if !ok || identity == "" {
		return "", false
	}
	return identity, true
}

// ConnectionsFor list the connections bound to an identity
func (r *connectionRegistryImpl) ConnectionsFor(identity string) []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	conns := r.identities[identity]
	result := make([]string, 0, len(conns))
	for connID := range conns {
		result = append(result, connID)
	}
	return result
}

// HasConnections whether any connection is bound to an identity
func (r *connectionRegistryImpl) HasConnections(identity string) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.identities[identity]) > 0
}
