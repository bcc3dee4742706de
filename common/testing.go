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

import "os"

// GetUnitTestNatsURI helper function to get the NATS server URI used in tests
func GetUnitTestNatsURI() string {
	natsServer := os.Getenv("NATS_HOST")
	if natsServer == "" {
		natsServer = "localhost"
	}
	natsPort := os.Getenv("NATS_PORT")
	if natsPort == "" {
		natsPort = "4222"
	}
	return "nats://" + natsServer + ":" + natsPort
}
