package remote

import (
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestSign(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	t.Run("adds timestamp and signature", func(t *testing.T) {
		q := url.Values{}
		q.Set("androidId", "dev-1")
		q.Set("lastUpdateTime", "0")

		signed := Sign(q, "secret", now)

		if !strings.Contains(signed, "ts=2024%2F01%2F15+10%3A30%3A00") {
			t.Errorf("signed query missing timestamp: %s", signed)
		}
		if !strings.Contains(signed, "&h=") {
			t.Errorf("signed query missing signature: %s", signed)
		}
		if !Verify(signed, "secret") {
			t.Error("Verify() = false for a query produced by Sign")
		}
	})

	t.Run("wrong key fails verification", func(t *testing.T) {
		q := url.Values{}
		q.Set("androidId", "dev-1")
		signed := Sign(q, "secret", now)

		if Verify(signed, "other") {
			t.Error("Verify() = true with the wrong key")
		}
	})

	t.Run("tampered query fails verification", func(t *testing.T) {
		q := url.Values{}
		q.Set("androidId", "dev-1")
		signed := Sign(q, "secret", now)

		if Verify(strings.Replace(signed, "dev-1", "dev-2", 1), "secret") {
			t.Error("Verify() = true for a modified query")
		}
	})

	t.Run("no key leaves query unsigned", func(t *testing.T) {
		q := url.Values{}
		q.Set("androidId", "dev-1")
		signed := Sign(q, "", now)

		if strings.Contains(signed, "h=") {
			t.Errorf("unsigned query carries a signature: %s", signed)
		}
	})
}
