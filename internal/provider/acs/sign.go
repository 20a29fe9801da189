package acs

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"time"
)

// signedHeaders lists the headers covered by the signature, in order.
const signedHeaders = "x-ms-date;host;x-ms-content-sha256"

// signature holds everything derived when signing one request. It is
// rebuilt for every call because the timestamp must be current.
type signature struct {
	Timestamp     string
	ContentHash   string
	StringToSign  string
	Signature     string
	Authorization string
}

// sign computes the HMAC-SHA256 authentication for a request.
//
// The string to sign is "{METHOD}\n{pathAndQuery}\n{date};{host};{hash}"
// where hash is base64(SHA-256(body)). The signature is
// base64(HMAC-SHA256(key, stringToSign)).
func sign(key []byte, method, pathAndQuery, host string, body []byte, now time.Time) signature {
	sum := sha256.Sum256(body)
	contentHash := base64.StdEncoding.EncodeToString(sum[:])

	timestamp := now.UTC().Format(http.TimeFormat)
	stringToSign := method + "\n" + pathAndQuery + "\n" + timestamp + ";" + host + ";" + contentHash

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(stringToSign))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return signature{
		Timestamp:     timestamp,
		ContentHash:   contentHash,
		StringToSign:  stringToSign,
		Signature:     sig,
		Authorization: "HMAC-SHA256 SignedHeaders=" + signedHeaders + "&Signature=" + sig,
	}
}

// apply sets the authentication and content headers on req.
func (s signature) apply(req *http.Request) {
	req.Header.Set("x-ms-date", s.Timestamp)
	req.Header.Set("x-ms-content-sha256", s.ContentHash)
	req.Header.Set("Authorization", s.Authorization)
	req.Header.Set("Content-Type", "application/json")
}
