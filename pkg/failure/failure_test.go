package failure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/3leaps/nimbusctl/pkg/provider"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

type hinted struct{ d time.Duration }

func (h hinted) Error() string                 { return "slow down" }
func (h hinted) RetryAfterHint() time.Duration { return h.d }

func TestClassifyAndCode(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		class Class
		code  string
	}{
		{"nil", nil, ClassPermanent, ""},
		{"cancelled", fmt.Errorf("poll: %w", context.Canceled), ClassPermanent, CodeCancelled},
		{"rate limited", New(ErrRateLimited, "submit", "", nil), ClassRateLimited, CodeRateLimited},
		{"provider throttled", &provider.ProviderError{Op: "PutObject", Err: provider.ErrThrottled}, ClassRateLimited, CodeRateLimited},
		{"transient", New(ErrTransientNetwork, "get", "job-1", io.EOF), ClassTransientNetwork, CodeTransientNetwork},
		{"provider unavailable", &provider.ProviderError{Op: "List", Err: provider.ErrProviderUnavailable}, ClassTransientNetwork, CodeTransientNetwork},
		{"ambiguous", New(ErrAmbiguousState, "submit", "key", nil), ClassPermanent, CodeAmbiguousState},
		{"integrity", New(ErrIntegrity, "upload", "a.txt", nil), ClassPermanent, CodeIntegrity},
		{"checksum rejected", &provider.ProviderError{Op: "PutObject", Err: provider.ErrChecksumMismatch}, ClassPermanent, CodeIntegrity},
		{"unsupported entry", New(ErrUnsupportedEntry, "plan", "sock", nil), ClassPermanent, CodeUnsupportedEntry},
		{"timeout", New(ErrTimeout, "wait", "job-1", nil), ClassPermanent, CodeTimeout},
		{"access denied", &provider.ProviderError{Op: "Head", Err: provider.ErrAccessDenied}, ClassPermanent, CodePermanent},
		{"unknown", errors.New("boom"), ClassPermanent, CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.class, Classify(tt.err))
			assert.Equal(t, tt.code, Code(tt.err))
			assert.Equal(t, tt.code == CodeIntegrity, IsIntegrity(tt.err))
		})
	}
}

func TestClassify_LowLevelNetworkErrors(t *testing.T) {
	for _, err := range []error{
		io.ErrUnexpectedEOF,
		&net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET},
		fmt.Errorf("dial: %w", syscall.ECONNREFUSED),
		syscall.EPIPE,
		&net.OpError{Op: "read", Net: "tcp", Err: timeoutErr{}},
	} {
		assert.Equal(t, ClassTransientNetwork, Classify(err), "%v", err)
	}
}

func TestError_Message(t *testing.T) {
	e := New(ErrTimeout, "wait", "job-1", nil)
	e.Attempts = 3
	assert.Equal(t, "wait job-1: timeout after 3 attempts", e.Error())

	cause := errors.New("502 Bad Gateway")
	e = New(ErrAmbiguousState, "submit", "", cause)
	assert.Equal(t, "submit: ambiguous state: 502 Bad Gateway", e.Error())
	assert.ErrorIs(t, e, cause)
	assert.True(t, IsAmbiguous(e))
	assert.False(t, IsTimeout(e))
	assert.False(t, IsIntegrity(e))

	assert.Equal(t, "integrity error", (&Error{Kind: ErrIntegrity}).Error())
}

func TestRetryAfterHint(t *testing.T) {
	assert.Equal(t, 2*time.Second, RetryAfterHint(fmt.Errorf("x: %w", hinted{2 * time.Second})))
	assert.Equal(t, time.Second, RetryAfterHint(&Error{Kind: ErrRateLimited, RetryAfter: time.Second}))
	assert.Zero(t, RetryAfterHint(errors.New("plain")))
}

func TestClass_String(t *testing.T) {
	assert.Equal(t, "permanent", ClassPermanent.String())
	assert.Equal(t, "transient-network", ClassTransientNetwork.String())
	assert.Equal(t, "transient-rate-limited", ClassRateLimited.String())
}
