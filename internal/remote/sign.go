package remote

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"time"
)

// Sign appends the request timestamp and an HMAC-SHA1 of the encoded query,
// keyed with apiKey, as the server expects for datapoint requests. Encode
// sorts by key, which is the order the signature is computed over. Without
// an API key the query is returned unsigned.
func Sign(q url.Values, apiKey string, now time.Time) string {
	q.Set("ts", now.UTC().Format("2006/01/02 15:04:05"))
	query := q.Encode()
	if apiKey == "" {
		return query
	}
	mac := hmac.New(sha1.New, []byte(apiKey))
	mac.Write([]byte(query))
	return query + "&h=" + url.QueryEscape(base64.StdEncoding.EncodeToString(mac.Sum(nil)))
}

// Verify checks a query produced by Sign.
func Verify(rawQuery, apiKey string) bool {
	i := len(rawQuery) - 1
	for ; i >= 0 && rawQuery[i] != '&'; i-- {
	}
	if i < 0 {
		return false
	}
	query, tail := rawQuery[:i], rawQuery[i+1:]
	vals, err := url.ParseQuery(tail)
	if err != nil {
		return false
	}
	got, err := base64.StdEncoding.DecodeString(vals.Get("h"))
	if err != nil {
		return false
	}
	mac := hmac.New(sha1.New, []byte(apiKey))
	mac.Write([]byte(query))
	return hmac.Equal(got, mac.Sum(nil))
}
