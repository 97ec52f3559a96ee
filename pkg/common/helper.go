/*
Copyright 2023 The Splice Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package common

import (
	"fmt"
	"os"

	"github.com/nuclio/errors"
)

// FileExists returns true if the object @ path exists
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// PairsToSlice converts ordered key/value pairs to a flat interface slice
// suitable for structured logger With-style variadics
func PairsToSlice(pairs [][2]string) []interface{} {
	result := make([]interface{}, 0, len(pairs)*2)
	for _, pair := range pairs {
		result = append(result, pair[0], pair[1])
	}

	return result
}

// ErrorFromRecoveredError converts a recover() value into an error
func ErrorFromRecoveredError(recoveredError interface{}) error {
	switch typedError := recoveredError.(type) {
	case error:
		return typedError
	default:
		return errors.New(fmt.Sprintf("%v", recoveredError))
	}
}
