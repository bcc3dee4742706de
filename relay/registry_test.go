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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnectionRegistry(t *testing.T) {
	assert := assert.New(t)

	uut := GetConnectionRegistry("ut-registry")

	// Case 0: untracked connection can not be bound
	{
		_, err := uut.Register("conn-0", "alice")
		assert.ErrorIs(err, ErrConnectionClosed)
		assert.False(uut.HasConnections("alice"))
	}

	// Case 1: tracked but unbound
	uut.Track("conn-1")
	{
		_, ok := uut.ResolveIdentity("conn-1")
		assert.False(ok)
		assert.Empty(uut.ConnectionsFor("alice"))
	}

	// Case 2: first binding
	{
		result, err := uut.Register("conn-1", "alice")
		assert.Nil(err)
		assert.True(result.FirstConnection)
		assert.Equal("", result.PreviousIdentity)
		identity, ok := uut.ResolveIdentity("conn-1")
		assert.True(ok)
		assert.Equal("alice", identity)
		assert.True(uut.HasConnections("alice"))
	}

	// Case 3: second connection of the same identity
	uut.Track("conn-2")
	{
		result, err := uut.Register("conn-2", "alice")
		assert.Nil(err)
		assert.False(result.FirstConnection)
		assert.ElementsMatch([]string{"conn-1", "conn-2"}, uut.ConnectionsFor("alice"))
	}

	// Case 4: rebinding to another identity
	{
		result, err := uut.Register("conn-2", "bob")
		assert.Nil(err)
		assert.True(result.FirstConnection)
		assert.Equal("alice", result.PreviousIdentity)
		assert.False(result.PreviousEmptied)
		assert.ElementsMatch([]string{"conn-1"}, uut.ConnectionsFor("alice"))
		assert.ElementsMatch([]string{"conn-2"}, uut.ConnectionsFor("bob"))
	}

	// Case 5: binding to the same identity again
	{
		result, err := uut.Register("conn-2", "bob")
		assert.Nil(err)
		assert.True(result.FirstConnection)
		assert.Equal("", result.PreviousIdentity)
	}

	// Case 6: last connection of an identity dropped
	{
		identity, emptied := uut.Unregister("conn-1")
		assert.Equal("alice", identity)
		assert.True(emptied)
		assert.False(uut.HasConnections("alice"))
		_, ok := uut.ResolveIdentity("conn-1")
		assert.False(ok)
	}

	// Case 7: binding after the connection is gone
	{
		_, err := uut.Register("conn-1", "alice")
		assert.ErrorIs(err, ErrConnectionClosed)
		assert.False(uut.HasConnections("alice"))
	}

	// Case 8: unbound and unknown connections
	uut.Track("conn-3")
	{
		identity, emptied := uut.Unregister("conn-3")
		assert.Equal("", identity)
		assert.False(emptied)
		identity, emptied = uut.Unregister("conn-unknown")
		assert.Equal("", identity)
		assert.False(emptied)
	}

	// Case 9: rebinding the last connection empties the previous identity
	{
		uut.Track("conn-4")
		_, err := uut.Register("conn-4", "carol")
		assert.Nil(err)
		result, err := uut.Register("conn-4", "dave")
		assert.Nil(err)
		assert.Equal("carol", result.PreviousIdentity)
		assert.True(result.PreviousEmptied)
		assert.False(uut.HasConnections("carol"))
	}

	// Case 10: unbind keeps the connection tracked
	{
		uut.Track("conn-5")
		_, err := uut.Register("conn-5", "erin")
		assert.Nil(err)
		identity, emptied := uut.Unbind("conn-5")
		assert.Equal("erin", identity)
		assert.True(emptied)
		assert.False(uut.HasConnections("erin"))
		_, ok := uut.ResolveIdentity("conn-5")
		assert.False(ok)
		// Still tracked, so it can authenticate again
		result, err := uut.Register("conn-5", "erin")
		assert.Nil(err)
		assert.True(result.FirstConnection)
		// Nothing to unbind
		uut.Track("conn-6")
		identity, emptied = uut.Unbind("conn-6")
		assert.Equal("", identity)
		assert.False(emptied)
	}
}
