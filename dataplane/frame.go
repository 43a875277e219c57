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

package dataplane

import (
	"bytes"
	"fmt"
	"strconv"
)

// DefaultEvent is the SSE event name a client assumes when a frame has no event line
const DefaultEvent = "message"

// keepAliveFrame is an SSE comment, ignored by clients
//
// https://html.spec.whatwg.org/multipage/server-sent-events.html#event-stream-interpretation
var keepAliveFrame = []byte(": keepalive\n\n")

// Message is one published item
type Message struct {
	// Sequence is the broker assigned sequence number, used as the SSE event id
	Sequence uint64 `json:"sequence"`
	// Event is the SSE event name. Empty means DefaultEvent.
	Event string `json:"event,omitempty"`
	// Payload is the UTF-8 JSON message body
	Payload []byte `json:"payload"`
	// ContentType is the content type the publisher declared
	ContentType string `json:"content_type,omitempty"`
}

// EventName returns the effective SSE event name
func (m Message) EventName() string {
	if m.Event == "" {
		return DefaultEvent
	}
	return m.Event
}

// String toString function
func (m Message) String() string {
	return fmt.Sprintf("MSG[%d %s %dB]", m.Sequence, m.EventName(), len(m.Payload))
}

// EncodeFrame encode a Message as one SSE frame
func EncodeFrame(msg Message) []byte {
	var buf bytes.Buffer
	buf.Grow(len(msg.Payload) + len(msg.Event) + 32)
	buf.WriteString("id: ")
	buf.WriteString(strconv.FormatUint(msg.Sequence, 10))
	buf.WriteByte('\n')
	if msg.EventName() != DefaultEvent {
		buf.WriteString("event: ")
		buf.WriteString(msg.Event)
		buf.WriteByte('\n')
	}
	for _, line := range splitLines(msg.Payload) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

// KeepAliveFrame returns the keep-alive comment frame
func KeepAliveFrame() []byte {
	frame := make([]byte, len(keepAliveFrame))
	copy(frame, keepAliveFrame)
	return frame
}

// splitLines split a payload at CRLF, CR, or LF. An empty payload is one empty line.
func splitLines(payload []byte) [][]byte {
	lines := [][]byte{}
	start := 0
	for idx := 0; idx < len(payload); idx++ {
		switch payload[idx] {
		case '\n':
			lines = append(lines, payload[start:idx])
			start = idx + 1
		case '\r':
			lines = append(lines, payload[start:idx])
			if idx+1 < len(payload) && payload[idx+1] == '\n' {
				idx++
			}
			start = idx + 1
		}
	}
	return append(lines, payload[start:])
}
