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

package common

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a broker error for handling at the API boundary
type ErrorKind int

const (
	// ConnectionError is a transport level failure: accept, read, or write
	ConnectionError ErrorKind = iota
	// ValidationError is a malformed or oversized publish payload
	ValidationError
	// CredentialError is malformed credential material or out of range derivation parameters
	CredentialError
	// InternalError is anything unexpected
	InternalError
)

// String toString function
func (k ErrorKind) String() string {
	switch k {
	case ConnectionError:
		return "connection"
	case ValidationError:
		return "validation"
	case CredentialError:
		return "credential"
	default:
		return "internal"
	}
}

// Sentinel values for use with errors.Is
var (
	ErrConnection = &BrokerError{Kind: ConnectionError}
	ErrValidation = &BrokerError{Kind: ValidationError}
	ErrCredential = &BrokerError{Kind: CredentialError}
	ErrInternal   = &BrokerError{Kind: InternalError}
)

// BrokerError is an error tagged with its ErrorKind
type BrokerError struct {
	// Kind is the error classification
	Kind ErrorKind
	// Message is the human readable description
	Message string
	// Err is the wrapped cause, if any
	Err error
}

// Error implements error
func (e *BrokerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error: %s: %s", e.Kind, e.Message, e.Err.Error())
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause
func (e *BrokerError) Unwrap() error {
	return e.Err
}

// Is matches any BrokerError of the same kind
func (e *BrokerError) Is(target error) bool {
	t, ok := target.(*BrokerError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewError define a new BrokerError
func NewError(kind ErrorKind, cause error, format string, args ...interface{}) error {
	return &BrokerError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

// KindOf returns the ErrorKind of err. Errors not tagged with a kind are InternalError.
func KindOf(err error) ErrorKind {
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Kind
	}
	return InternalError
}
