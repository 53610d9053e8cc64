// Package dohcodec implements the RFC 8484 GET-form encoding: URL-safe,
// unpadded base64 of the wire DNS query carried in the "dns" query parameter.
package dohcodec

import (
	"encoding/base64"
	"errors"
	"net/url"
	"strings"
)

// ContentType is the DoH media type used for both request and response bodies.
const ContentType = "application/dns-message"

var (
	// ErrInvalidBase64 is returned when the "dns" parameter is not valid
	// URL-safe base64.
	ErrInvalidBase64 = errors.New("invalid base64")
	// ErrMissingBodyParameter is returned when the GET request carries no
	// "dns" query parameter at all.
	ErrMissingBodyParameter = errors.New("missing body parameter")
	// ErrMissingBody is returned when the "dns" parameter decodes to zero bytes.
	ErrMissingBody = errors.New("missing body")
)

// B64Encode encodes b as URL-safe base64 without padding.
func B64Encode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// B64Decode decodes s as URL-safe base64, restoring padding first since some
// clients and test vectors send padded values despite the RFC.
func B64Decode(s string) ([]byte, error) {
	if rem := len(s) % 4; rem != 0 {
		s += strings.Repeat("=", 4-rem)
	}
	b, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidBase64
	}
	return b, nil
}

// ExtractGETBody extracts (content-type, body) from a GET request's query
// parameters per RFC 8484: the single recognized parameter is "dns". The "ct"
// parameter, if present, is accepted but ignored (per this gateway's resolved
// reading of the spec's open question on that field).
func ExtractGETBody(values url.Values) (contentType string, body []byte, err error) {
	raw, ok := values["dns"]
	if !ok || len(raw) == 0 {
		return "", nil, ErrMissingBodyParameter
	}
	body, err = B64Decode(raw[0])
	if err != nil {
		return "", nil, err
	}
	if len(body) == 0 {
		return "", nil, ErrMissingBody
	}
	return ContentType, body, nil
}
