// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPresetsAreValid(t *testing.T) {
	require.NoError(t, DefaultParameters.Valid())
	require.NoError(t, TestParameters.Valid())
}

func TestValidRejectsBadParameters(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Parameters)
		err    error
	}{
		{"zero window", func(p *Parameters) { p.PendingWindow = 0 }, ErrInvalidWindow},
		{"zero ttl", func(p *Parameters) { p.BufferTTLTicks = 0 }, ErrInvalidTTL},
		{"zero timeout", func(p *Parameters) { p.MaxRoundTimeout = 0 }, ErrInvalidTimeout},
		{"zero retry", func(p *Parameters) { p.PullRetryBase = 0 }, ErrInvalidRetry},
		{"inverted retry", func(p *Parameters) { p.PullRetryMax = time.Millisecond; p.PullRetryBase = time.Second }, ErrInvalidRetry},
		{"bad policy", func(p *Parameters) { p.ResyncPolicy = 99 }, ErrInvalidPolicy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParameters
			tt.mutate(&p)
			require.ErrorIs(t, p.Valid(), tt.err)
		})
	}
}
