package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyTransportError(t *testing.T) {
	t.Parallel()

	refused := &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}

	cases := []struct {
		name string
		err  error
		want string
	}{
		{"deadline", fmt.Errorf("get: %w", context.DeadlineExceeded), ReasonTimeout},
		{"dns", &net.DNSError{Err: "no such host", Name: "nope.invalid", IsNotFound: true}, ReasonDNSError},
		{"dns timeout", &net.DNSError{Err: "i/o timeout", Name: "slow.example", IsTimeout: true}, ReasonTimeout},
		{"refused", refused, ReasonConnectionRefused},
		{"message timeout", errors.New("Client.Timeout exceeded while awaiting headers"), ReasonTimeout},
		{"message dns", errors.New("dial tcp: lookup x: no such host"), ReasonDNSError},
		{"other", errors.New("boom"), ReasonFetchError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, ClassifyTransportError(tc.err), tc.name)
	}
	require.Empty(t, ClassifyTransportError(nil))
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	require.Equal(t, ReasonHTTP429, ClassifyStatus(http.StatusTooManyRequests))
	require.Equal(t, ReasonHTTP4xx, ClassifyStatus(http.StatusNotFound))
	require.Equal(t, ReasonHTTP5xx, ClassifyStatus(http.StatusBadGateway))
	require.Equal(t, ReasonHTTPOther, ClassifyStatus(http.StatusMultipleChoices))
}

func TestRetryableReasons(t *testing.T) {
	t.Parallel()

	for _, r := range []string{ReasonTimeout, ReasonDNSError, ReasonConnectionRefused, ReasonHTTP429, ReasonHTTP5xx} {
		require.True(t, IsRetryableReason(r), r)
	}
	for _, r := range []string{ReasonRobotsBlocked, ReasonHTTP4xx, ReasonContentTooShort, ReasonInvalidURL, ReasonFetchError} {
		require.False(t, IsRetryableReason(r), r)
	}
}

func TestReasonOfFetchError(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("crawl: %w", &FetchError{Reason: ReasonHTTP5xx, StatusCode: 503})
	require.Equal(t, ReasonHTTP5xx, ReasonOf(err))
	require.Contains(t, err.Error(), "status 503")

	inner := &net.DNSError{Err: "no such host", Name: "x"}
	wrapped := &FetchError{Reason: ReasonDNSError, Err: inner}
	var dnsErr *net.DNSError
	require.ErrorAs(t, wrapped, &dnsErr)
	require.Equal(t, ReasonFetchError, ReasonOf(errors.New("unknown")))
}

func TestQueuedValidation(t *testing.T) {
	t.Parallel()

	require.NoError(t, QueuedURL{URL: "https://x.test/", URLHash: "h", Topic: "t"}.Validate())
	require.Error(t, QueuedURL{URLHash: "h", Topic: "t"}.Validate())
	require.Error(t, QueuedURL{URL: "https://x.test/", Topic: "t"}.Validate())
	require.Error(t, QueuedURL{URL: "https://x.test/", URLHash: "h", Topic: " "}.Validate())
	require.Error(t, QueuedURL{URL: "https://x.test/", URLHash: "h", Topic: "t", AttemptCount: -1}.Validate())

	require.NoError(t, QueuedExtraction{PageID: "p", Topic: "t"}.Validate())
	require.Error(t, QueuedExtraction{Topic: "t"}.Validate())
	require.Error(t, QueuedExtraction{PageID: "p"}.Validate())
}
