package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaxonomy(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		config         bool
		data           bool
		notImplemented bool
	}{
		{name: "recursion limit is configuration", err: ErrRecursionLimit, config: true},
		{name: "bad path is data", err: ErrBadPath, data: true},
		{name: "script failure is data", err: ErrScript, data: true},
		{name: "not implemented", err: ErrNotImplemented, notImplemented: true},
		{name: "wrapped config", err: fmt.Errorf("module X: %w", Configf("X", "missing input")), config: true},
		{name: "plain error", err: errors.New("boom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.config, IsConfiguration(tt.err))
			assert.Equal(t, tt.data, IsData(tt.err))
			assert.Equal(t, tt.notImplemented, IsNotImplemented(tt.err))
		})
	}
}

func TestErrorFormatting(t *testing.T) {
	err := NewError("split", "Sp", "path does not resolve", ErrBadPath)
	assert.Equal(t, "[split] module Sp: path does not resolve: data error: bad array path", err.Error())
	assert.ErrorIs(t, err, ErrData)

	bare := NewError("load", "", "empty playbook", nil)
	assert.Equal(t, "[load]: empty playbook", bare.Error())
	assert.Nil(t, bare.Unwrap())
}
