// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"fmt"
	"log"
	"os"
)

// CloseFile closes file, logging and terminating on error: a failed close
// after a successful write or fsync means the data is not safely on disk,
// which is not a condition worth limping on from.
func CloseFile(file *os.File) {
	if err := file.Close(); err != nil {
		log.Fatalf("error in closing: %v", err)
	}
}

// WriteFile overwrites fileName's contents in place, starting at offset 0.
// The file must already exist, and it is not truncated: bytes past
// len(content) keep their previous values.
func WriteFile(fileName string, content []byte) (err error) {
	f, err := os.OpenFile(fileName, os.O_RDWR, 0600)
	if err != nil {
		err = fmt.Errorf("open file for write at start: %w", err)
		return
	}
	defer CloseFile(f)

	_, err = f.WriteAt(content, 0)
	return
}

// ReadFile reads the entire contents of filePath.
func ReadFile(filePath string) (content []byte, err error) {
	f, err := os.OpenFile(filePath, os.O_RDONLY, 0600)
	if err != nil {
		err = fmt.Errorf("error in opening the file %w", err)
		return
	}
	defer CloseFile(f)

	content, err = os.ReadFile(f.Name())
	if err != nil {
		err = fmt.Errorf("ReadAll: %w", err)
		return
	}
	return
}
