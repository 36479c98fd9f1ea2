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

package topic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"sensors/temp", "sensors/temp", true},
		{"sensors/temp", "sensors/humidity", false},
		{"sensors/+", "sensors/temp", true},
		{"sensors/+", "sensors/temp/celsius", false},
		{"sensors/#", "sensors/temp", true},
		{"sensors/#", "sensors/temp/celsius", true},
		{"sensors/#", "alerts/fire", false},
		{"#", "anything/at/all", true},
		{"#", "single", true},
		{"+/temp", "sensors/temp", true},
		{"+/temp", "sensors/temp/x", false},
		{"sensors/+/celsius", "sensors/temp/celsius", true},
		{"sensors/temp", "sensors/temp/extra", false},
		{"sensors/temp/extra", "sensors/temp", false},
		{"", "sensors/temp", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Match(tt.filter, tt.topic),
			"filter %q against topic %q", tt.filter, tt.topic)
	}
}

func TestMatchAny(t *testing.T) {
	// Empty filter set matches everything.
	assert.True(t, MatchAny(nil, "a/b"))
	assert.True(t, MatchAny([]string{}, "a/b"))

	filters := []string{"sensors/#", "alerts/+"}
	assert.True(t, MatchAny(filters, "sensors/temp/c"))
	assert.True(t, MatchAny(filters, "alerts/fire"))
	assert.False(t, MatchAny(filters, "logs/app"))
}

func TestValidateFilter(t *testing.T) {
	valid := []string{"#", "+", "a/b/c", "a/+/c", "a/b/#", "+/+/#"}
	for _, f := range valid {
		assert.NoError(t, ValidateFilter(f), "filter %q", f)
	}

	invalid := []string{"", "a/#/c", "a#", "a/b#", "a+/b", "#/a"}
	for _, f := range invalid {
		assert.ErrorIs(t, ValidateFilter(f), ErrInvalidFilter, "filter %q", f)
	}
}
