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

package common

import (
	"encoding/hex"
	"fmt"
)

// userToken encodes a user identity into a token safe for use in NATS subject
// and JetStream consumer names
func userToken(identity string) string {
	return hex.EncodeToString([]byte(identity))
}

// UserNotificationSubject the subject user notifications are published under
func UserNotificationSubject(subjectPrefix, identity string) string {
	return fmt.Sprintf("%s.%s", subjectPrefix, userToken(identity))
}

// NotificationSubjectWildcard the subject filter covering every user's notifications
func NotificationSubjectWildcard(subjectPrefix string) string {
	return fmt.Sprintf("%s.*", subjectPrefix)
}

// UserConsumerName the durable JetStream consumer name used for a user
func UserConsumerName(identity string) string {
	return fmt.Sprintf("user-%s", userToken(identity))
}
