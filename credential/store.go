// Copyright 2021-2022 The ssemq Authors
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

package credential

import (
	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// Store is the set of provisioned credential records a publish secret is checked against
type Store struct {
	goutils.Component
	records []Record
}

// NewStore define a Store from a list of PHC strings
func NewStore(phcs []string) (*Store, error) {
	logTags := log.Fields{"module": "credential", "component": "store"}
	records := make([]Record, 0, len(phcs))
	for idx, phc := range phcs {
		record, err := ParseRecord(phc)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to parse credential record %d", idx)
			return nil, err
		}
		records = append(records, record)
	}
	return &Store{Component: goutils.Component{LogTags: logTags}, records: records}, nil
}

// Len number of records in the store
func (s *Store) Len() int {
	return len(s.records)
}

// Check whether secret verifies against any record in the store
func (s *Store) Check(secret string) (bool, error) {
	matched := false
	// No early exit on match
	for _, record := range s.records {
		ok, err := Verify(secret, record)
		if err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Stored credential record unusable")
			return false, err
		}
		matched = matched || ok
	}
	return matched, nil
}
