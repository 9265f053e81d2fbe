// Package signer implements the HMAC-chained request signing scheme the
// upload control plane requires. The scheme is wire-compatible with AWS
// Signature Version 4.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	algorithm     = "AWS4-HMAC-SHA256"
	requestSuffix = "aws4_request"
	timeFormat    = "20060102T150405Z"
	dateFormat    = "20060102"
	emptyBodyHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
)

// Credential scopes a signature to one STS tuple, region and service.
type Credential struct {
	AccessKey    string
	SecretKey    string
	SessionToken string
	Region       string
	Service      string
}

// Signed is the result of signing one request. Every header listed must be
// sent verbatim or the upstream rejects the call.
type Signed struct {
	Authorization string
	Date          string
	PayloadHash   string
	SessionToken  string
}

// Signer produces single-use signatures. The zero value is not usable;
// construct with New.
type Signer struct {
	now func() time.Time
}

// Option configures a Signer.
type Option func(*Signer)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) {
		s.now = now
	}
}

// New creates a Signer.
func New(opts ...Option) *Signer {
	s := &Signer{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sign computes the authorization header for one request. body is nil for
// GET calls; non-nil opts the request into content-hash signing, which adds
// x-amz-content-sha256 to the signed header set. Timestamps are single-use:
// callers must re-sign per request.
func (s *Signer) Sign(method, host, path string, query url.Values, cred Credential, body []byte) Signed {
	now := s.now().UTC()
	amzDate := now.Format(timeFormat)
	dateStamp := now.Format(dateFormat)

	payloadHash := emptyBodyHash
	if body != nil {
		payloadHash = hexSHA256(body)
	}

	headers := map[string]string{
		"host":       host,
		"x-amz-date": amzDate,
	}
	if body != nil {
		headers["x-amz-content-sha256"] = payloadHash
	}
	if cred.SessionToken != "" {
		headers["x-amz-security-token"] = cred.SessionToken
	}

	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	var canonicalHeaders strings.Builder
	for _, name := range names {
		canonicalHeaders.WriteString(name)
		canonicalHeaders.WriteByte(':')
		canonicalHeaders.WriteString(headers[name])
		canonicalHeaders.WriteByte('\n')
	}
	signedHeaders := strings.Join(names, ";")

	canonicalRequest := strings.Join([]string{
		method,
		path,
		canonicalQuery(query),
		canonicalHeaders.String(),
		signedHeaders,
		payloadHash,
	}, "\n")

	scope := strings.Join([]string{dateStamp, cred.Region, cred.Service, requestSuffix}, "/")
	stringToSign := strings.Join([]string{
		algorithm,
		amzDate,
		scope,
		hexSHA256([]byte(canonicalRequest)),
	}, "\n")

	signature := hex.EncodeToString(hmacSHA256(signingKey(cred, dateStamp), stringToSign))

	authorization := algorithm +
		" Credential=" + cred.AccessKey + "/" + scope +
		", SignedHeaders=" + signedHeaders +
		", Signature=" + signature

	return Signed{
		Authorization: authorization,
		Date:          amzDate,
		PayloadHash:   payloadHash,
		SessionToken:  cred.SessionToken,
	}
}

// canonicalQuery percent-encodes every key and value per RFC 3986 and joins
// them sorted by key. Parameters must reach the wire identically encoded.
func canonicalQuery(query url.Values) string {
	if len(query) == 0 {
		return ""
	}
	keys := make([]string, 0, len(query))
	for key := range query {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		values := append([]string(nil), query[key]...)
		sort.Strings(values)
		for _, value := range values {
			pairs = append(pairs, uriEscape(key)+"="+uriEscape(value))
		}
	}
	return strings.Join(pairs, "&")
}

// uriEscape encodes all reserved characters, unlike url.QueryEscape which
// leaves space as '+' and some sub-delims bare.
func uriEscape(s string) string {
	var out strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
			c == '-' || c == '_' || c == '.' || c == '~' {
			out.WriteByte(c)
			continue
		}
		out.WriteByte('%')
		out.WriteString(strings.ToUpper(hex.EncodeToString([]byte{c})))
	}
	return out.String()
}

// signingKey chains the secret through date, region, service and the
// terminal literal.
func signingKey(cred Credential, dateStamp string) []byte {
	key := hmacSHA256([]byte("AWS4"+cred.SecretKey), dateStamp)
	key = hmacSHA256(key, cred.Region)
	key = hmacSHA256(key, cred.Service)
	return hmacSHA256(key, requestSuffix)
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

func hexSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
