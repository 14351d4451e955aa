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

package changestreams

import (
	"context"

	"github.com/juju/errors"
)

// ErrMalformedRecord is returned by Classify for records that cannot be
// classified. Such records are dropped by the Subscriber.
const ErrMalformedRecord = errors.ConstError("malformed change record")

// fatalError marks a transport error that retrying cannot fix, such as a
// configuration mismatch or a malformed response.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string {
	return e.err.Error()
}

func (e *fatalError) Unwrap() error {
	return e.err
}

// Fatal marks err as not retryable. Transports use it for configuration
// mismatches and malformed responses.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err was marked with Fatal.
func IsFatal(err error) bool {
	var f *fatalError
	return errors.As(err, &f)
}

// IsCanceled reports whether err is the result of cancellation. Cancellation
// is an expected way for work to stop and is never reported as a failure.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// IsRetryable reports whether a call that failed with err may be retried.
func IsRetryable(err error) bool {
	return err != nil && !IsCanceled(err) && !IsFatal(err)
}
