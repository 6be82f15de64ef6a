package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/dukex/taskflow/pkg/registry"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "unknown executor", err: &registry.ConfigurationError{Ref: "x", Err: registry.ErrExecutorNotFound}, want: ErrorKindConfiguration},
		{name: "bad condition", err: fmt.Errorf("dispatch: %w", &ConfigurationError{NodeID: "n", Err: errors.New("bad")}), want: ErrorKindConfiguration},
		{name: "timeout", err: ErrTimeout, want: ErrorKindTimeout},
		{name: "lost lease", err: fmt.Errorf("iteration 2: %w", ErrLeaseExpired), want: ErrorKindInfrastructure},
		{name: "executor error", err: errors.New("502 bad gateway"), want: ErrorKindBusiness},
		{name: "cancelled context", err: context.Canceled, want: ErrorKindBusiness},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestConfigurationError(t *testing.T) {
	t.Parallel()

	cause := errors.New("template: bad")
	err := &ConfigurationError{NodeID: "notify", Err: cause}

	assert.Equal(t, "node notify: template: bad", err.Error())
	assert.ErrorIs(t, err, cause)
}
