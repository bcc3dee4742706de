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
	"container/list"

	"github.com/alwitt/notifrelay/common"
	"github.com/alwitt/notifrelay/dataplane"
)

// pendingNotification a delivered notification awaiting client acknowledgment
type pendingNotification struct {
	notification common.Notification
	msg          dataplane.QueueMessage
}

// pendingQueue notifications awaiting acknowledgment, in arrival order
type pendingQueue struct {
	order *list.List
	byID  map[int64]*list.Element
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{order: list.New(), byID: make(map[int64]*list.Element)}
}

// insert append a notification. If the ID is already pending, only the queue
// message is replaced and false is returned.
func (q *pendingQueue) insert(entry pendingNotification) bool {
	if elem, ok := q.byID[entry.notification.ID]; ok {
		existing := elem.Value.(*pendingNotification)
		existing.msg = entry.msg
		return false
	}
	q.byID[entry.notification.ID] = q.order.PushBack(&entry)
	return true
}

// head the earliest pending notification
func (q *pendingQueue) head() (*pendingNotification, bool) {
	front := q.order.Front()
	if front == nil {
		return nil, false
	}
	return front.Value.(*pendingNotification), true
}

// popHead remove the earliest pending notification
func (q *pendingQueue) popHead() {
	front := q.order.Front()
	if front == nil {
		return
	}
	q.order.Remove(front)
	delete(q.byID, front.Value.(*pendingNotification).notification.ID)
}

// drain remove and return every pending entry, in arrival order
func (q *pendingQueue) drain() []pendingNotification {
	result := q.entries()
	q.order.Init()
	q.byID = make(map[int64]*list.Element)
	return result
}

// entries the pending entries, in arrival order
func (q *pendingQueue) entries() []pendingNotification {
	result := make([]pendingNotification, 0, q.order.Len())
	for elem := q.order.Front(); elem != nil; elem = elem.Next() {
		result = append(result, *elem.Value.(*pendingNotification))
	}
	return result
}

func (q *pendingQueue) len() int {
	return q.order.Len()
}
