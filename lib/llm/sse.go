// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"bufio"
	"io"
	"strings"
)

// SSEEvent is a single Server-Sent Event.
type SSEEvent struct {
	// Type is the value of the "event:" field, or empty for the
	// default event type.
	Type string

	// Data is the payload, assembled from one or more "data:" lines.
	// Multiple data lines are joined with newlines per the SSE
	// specification.
	Data string
}

// SSEScanner reads Server-Sent Events from an [io.Reader].
//
// Events are delimited by blank lines. Lines starting with "data:"
// carry the payload, "event:" sets the event type, comment lines
// (leading ":") and unrecognized fields are skipped.
//
// Usage:
//
//	scanner := NewSSEScanner(reader)
//	for scanner.Next() {
//	    event := scanner.Event()
//	    // process event.Type and event.Data
//	}
//	if err := scanner.Err(); err != nil {
//	    // handle error
//	}
type SSEScanner struct {
	reader  *bufio.Reader
	current SSEEvent
	err     error
}

// NewSSEScanner creates a scanner reading SSE events from reader.
func NewSSEScanner(reader io.Reader) *SSEScanner {
	return &SSEScanner{
		reader: bufio.NewReaderSize(reader, 64*1024),
	}
}

// Next advances to the next event. It returns false when the stream
// ends or fails; call [SSEScanner.Err] afterwards to distinguish a
// clean EOF from an error.
func (scanner *SSEScanner) Next() bool {
	scanner.current = SSEEvent{}

	var data []string
	var eventType string

	flush := func() bool {
		if len(data) == 0 {
			return false
		}
		scanner.current = SSEEvent{
			Type: eventType,
			Data: strings.Join(data, "\n"),
		}
		return true
	}

	for {
		line, err := scanner.reader.ReadString('\n')

		if err != nil && line == "" {
			if err == io.EOF {
				if flush() {
					// Emit the trailing event, then report EOF on
					// the following call.
					scanner.err = io.EOF
					return true
				}
				return false
			}
			scanner.err = err
			return false
		}

		line = strings.TrimRight(line, "\r\n")

		// Blank line terminates the current event.
		if line == "" {
			if flush() {
				return true
			}
			eventType = ""
			continue
		}

		// Comment line.
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, hasColon := strings.Cut(line, ":")
		if !hasColon {
			// A bare field name carries an empty value.
			field = line
			value = ""
		} else {
			// The spec strips exactly one leading space from the value.
			value = strings.TrimPrefix(value, " ")
		}

		switch field {
		case "data":
			data = append(data, value)
		case "event":
			eventType = value
		default:
			// "id", "retry", and unknown fields are ignored.
		}
	}
}

// Event returns the most recently parsed event. Valid only after
// [SSEScanner.Next] returned true.
func (scanner *SSEScanner) Event() SSEEvent {
	return scanner.current
}

// Err returns the first error encountered, or nil if scanning ended
// at a clean EOF.
func (scanner *SSEScanner) Err() error {
	if scanner.err == io.EOF {
		return nil
	}
	return scanner.err
}
