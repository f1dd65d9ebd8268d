// Unless explicitly stated otherwise all files in this repository are licensed
// under the MIT License.
// Copyright (c) 2020-present the qserver authors.

// Package task defines the request, envelope and fingerprint types shared by
// the gateway and the data processor. Envelopes are the only structures that
// travel through the task and message queues; both sides must agree on their
// JSON shape and on the fingerprint of the embedded arguments.
package task

import (
	"encoding/json"
	"fmt"
)

// Status is the outcome code carried in every response envelope.
type Status int

const (
	// StatusOK marks a successfully computed result.
	StatusOK Status = 0
	// StatusInvalid marks a rejected or failed request.
	StatusInvalid Status = 1
)

// Meta carries the routing metadata of a queued task.
type Meta struct {
	Kind       Kind   `json:"type"`
	OriginSSID string `json:"ssid"`
}

// Envelope is one unit of work on the task queue.
type Envelope struct {
	Meta Meta           `json:"meta"`
	Args map[string]any `json:"args"`
}

// DecodeEnvelope parses a task-queue message body.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode task envelope: %w", err)
	}
	if !env.Meta.Kind.Valid() {
		return nil, fmt.Errorf("task envelope has unknown kind %q", env.Meta.Kind)
	}
	return &env, nil
}

// Encode serializes the envelope for publishing.
func (e *Envelope) Encode() ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode task envelope: %w", err)
	}
	return body, nil
}

// Response is one completed result on the message queue. SSIDs is the WaitSet
// drained atomically by the worker; the gateway fans the payload out to each.
type Response struct {
	Kind         Kind     `json:"type"`
	Data         any      `json:"data"`
	SSIDs        []string `json:"ssids"`
	Status       Status   `json:"status"`
	DetailedInfo string   `json:"detailed_info,omitempty"`
}

// DecodeResponse parses a message-queue message body.
func DecodeResponse(body []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode response envelope: %w", err)
	}
	return &resp, nil
}

// Encode serializes the response for publishing.
func (r *Response) Encode() ([]byte, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode response envelope: %w", err)
	}
	return body, nil
}

// Remarshal converts loosely decoded JSON arguments into a typed structure.
func Remarshal(args map[string]any, v any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
