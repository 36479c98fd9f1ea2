// Copyright 2024 The mqtt-multi-proxy Authors
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

// Package topic implements MQTT topic filter matching with wildcard support.
// Filters use the MQTT 3.1.1 wildcard syntax: '+' matches exactly one topic
// level and '#' matches any number of trailing levels. The proxy uses these
// helpers both to gate fanout per downstream broker and to validate filters
// stored on broker records.
package topic

import (
	"errors"
	"strings"
)

// ErrInvalidFilter is returned by ValidateFilter for filters that violate
// the MQTT wildcard placement rules.
var ErrInvalidFilter = errors.New("invalid topic filter")

// Match reports whether a published topic matches a subscription topic
// filter, implementing the MQTT 3.1.1 specification for topic matching.
// An empty filter matches nothing.
func Match(filter, topic string) bool {
	if filter == "" {
		return false
	}

	topicSegments := strings.Split(topic, "/")
	filterSegments := strings.Split(filter, "/")

	topicLen := len(topicSegments)
	filterLen := len(filterSegments)

	for i := 0; i < filterLen; i++ {
		if i >= topicLen {
			// If the filter has more segments but the last one is not '#', no match
			return filterSegments[i] == "#" && i == filterLen-1
		}

		filterSegment := filterSegments[i]
		topicSegment := topicSegments[i]

		if filterSegment == "#" {
			// '#' must be the last segment in the filter
			return i == filterLen-1
		}

		if filterSegment != "+" && filterSegment != topicSegment {
			return false
		}
	}

	// If we finished iterating through the filter, the topic must have the same number of segments
	return topicLen == filterLen
}

// MatchAny reports whether a topic matches any filter in the set. An empty
// set matches everything: a broker record with no topic filters receives
// all fanned-out messages.
func MatchAny(filters []string, topic string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if Match(f, topic) {
			return true
		}
	}
	return false
}

// ValidateFilter checks that a topic filter obeys the MQTT wildcard
// placement rules: '#' may only appear alone in the final level, '+' may
// only appear alone in its level, and the filter must be non-empty.
func ValidateFilter(filter string) error {
	if filter == "" {
		return ErrInvalidFilter
	}

	segments := strings.Split(filter, "/")
	for i, seg := range segments {
		if strings.Contains(seg, "#") {
			if seg != "#" || i != len(segments)-1 {
				return ErrInvalidFilter
			}
		}
		if strings.Contains(seg, "+") && seg != "+" {
			return ErrInvalidFilter
		}
	}
	return nil
}
