package testutil

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
)

// MD5Hex returns the MD5 of data as lowercase hex, the form found in ETags.
func MD5Hex(data []byte) string {
	h := md5.Sum(data)
	return hex.EncodeToString(h[:])
}

// MD5Base64 returns the MD5 of data in base64, the form sent as Content-MD5.
func MD5Base64(data []byte) string {
	h := md5.Sum(data)
	return base64.StdEncoding.EncodeToString(h[:])
}
