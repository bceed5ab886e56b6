// Package vwsauth implements the Vuforia request signature scheme and the
// brute-force resolution of a request to the database whose keys signed it.
package vwsauth

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/vwsmock/vwsmock/internal/store"
)

// KeyKind selects which credential pair of a database signs a request.
type KeyKind int

const (
	// ServerKeys sign management API requests.
	ServerKeys KeyKind = iota
	// ClientKeys sign query API requests.
	ClientKeys
)

// AuthorizationHeader computes the Authorization header value for a request:
// "VWS <access key>:<base64 HMAC-SHA1 signature>". The string to sign joins
// the method, the hex MD5 of the body, the Content-Type up to any ";"
// parameter, the Date header and the request path with newlines.
func AuthorizationHeader(accessKey, secretKey, method string, body []byte, contentType, date, path string) string {
	bodyDigest := md5.Sum(body)
	bareContentType := strings.SplitN(contentType, ";", 2)[0]

	toSign := strings.Join([]string{
		method,
		hex.EncodeToString(bodyDigest[:]),
		bareContentType,
		date,
		path,
	}, "\n")

	mac := hmac.New(sha1.New, []byte(secretKey))
	mac.Write([]byte(toSign))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return "VWS " + accessKey + ":" + signature
}

// Resolve finds the database whose keys of the given kind produce exactly
// the request's Authorization header. It recomputes the signature for every
// database rather than parsing the header, so any tampering with the scheme,
// access key or signature fails uniformly with no database matched.
func Resolve(
	databases []*store.Database,
	kind KeyKind,
	authorization, method string,
	body []byte,
	contentType, date, path string,
) *store.Database {
	for _, db := range databases {
		accessKey, secretKey := db.ServerAccessKey, db.ServerSecretKey
		if kind == ClientKeys {
			accessKey, secretKey = db.ClientAccessKey, db.ClientSecretKey
		}
		expected := AuthorizationHeader(accessKey, secretKey, method, body, contentType, date, path)
		if authorization == expected {
			return db
		}
	}
	return nil
}
