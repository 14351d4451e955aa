//
// Copyright 2022 Google LLC
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
//

package dynamostreams

import (
	"github.com/aws/smithy-go"
	"github.com/juju/errors"

	"github.com/cloudspannerecosystem/change-streams-watch/changestreams"
)

// fatalCodes are the service errors that retrying the same call cannot fix.
var fatalCodes = map[string]bool{
	"ValidationException":         true,
	"AccessDeniedException":       true,
	"UnrecognizedClientException": true,
	"ResourceNotFoundException":   true,
	"ExpiredIteratorException":    true,
	"TrimmedDataAccessException":  true,
}

// classify marks err as fatal when its service error code is not retryable.
func classify(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && fatalCodes[apiErr.ErrorCode()] {
		return changestreams.Fatal(err)
	}
	return err
}
