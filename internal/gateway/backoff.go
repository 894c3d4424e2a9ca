package gateway

import (
	"fmt"
	"net/url"
)

// ReconnectBackoffMs implements the shared reconnect backoff formula:
// min(30000, 500 * 2^(min(attempt,6)-1)) milliseconds. attempt is 1-indexed;
// values below 1 are treated as 1.
func ReconnectBackoffMs(attempt int) int64 {
	if attempt < 1 {
		attempt = 1
	}
	exponent := attempt
	if exponent > 6 {
		exponent = 6
	}
	backoff := int64(500) << uint(exponent-1)
	if backoff > 30000 {
		return 30000
	}
	return backoff
}

// DeviceWSURL builds the canonical device WebSocket URL for host and
// deviceID: wss://{host}/ws?device_id={device_id}.
func DeviceWSURL(host, deviceID string) string {
	u := url.URL{
		Scheme:   "wss",
		Host:     host,
		Path:     "/ws",
		RawQuery: fmt.Sprintf("device_id=%s", url.QueryEscape(deviceID)),
	}
	return u.String()
}
