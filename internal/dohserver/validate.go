package dohserver

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/openresolve/doh-gateway/internal/dnscodec"
	"github.com/openresolve/doh-gateway/internal/dohcodec"
)

// outcome is the tagged result of classify: either Accept carries the
// parsed DNS query, or Reject carries the HTTP status and body text to
// send back verbatim. Keeping this a pure function over request metadata
// -- no I/O, no upstream call -- frees the HTTP handler from any policy
// logic.
type outcome struct {
	accepted bool
	query    *dnscodec.Message
	status   int
	text     string
}

// classify implements the validation order from the DoH server pipeline:
// method, then path, then body extraction per method, then content-type
// for POST, then DNS decode. The first failing rule wins. In debug mode
// (§4.D step 5), the DNS-decode rejection body carries the underlying codec
// error text instead of the generic message; the other rejection texts are
// the same in both modes.
func classify(method, path, contentType string, query url.Values, body []byte, endpoint string, debug bool) outcome {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPost:
	default:
		return reject(http.StatusNotImplemented, "Not Implemented")
	}

	if path != endpoint {
		return reject(http.StatusNotFound, "Wrong path")
	}

	var wire []byte
	switch method {
	case http.MethodGet, http.MethodHead:
		_, extracted, err := dohcodec.ExtractGETBody(query)
		if err != nil {
			return reject(http.StatusBadRequest, getBodyErrorText(err, debug))
		}
		wire = extracted
	case http.MethodPost:
		if contentType != dohcodec.ContentType {
			return reject(http.StatusUnsupportedMediaType, "Unsupported content type")
		}
		wire = body
	}

	msg, err := dnscodec.Parse(wire)
	if err != nil {
		return reject(http.StatusBadRequest, malformedText(err, debug))
	}
	return accept(msg)
}

func getBodyErrorText(err error, debug bool) string {
	switch {
	case errors.Is(err, dohcodec.ErrInvalidBase64):
		return "Invalid Body Parameter"
	case errors.Is(err, dohcodec.ErrMissingBodyParameter):
		return "Missing Body Parameter"
	case errors.Is(err, dohcodec.ErrMissingBody):
		return "Missing Body"
	default:
		return malformedText(err, debug)
	}
}

func malformedText(err error, debug bool) string {
	if debug {
		return "Malformed DNS query: " + err.Error()
	}
	return "Malformed DNS query"
}

func accept(msg *dnscodec.Message) outcome {
	return outcome{accepted: true, query: msg}
}

func reject(status int, text string) outcome {
	return outcome{accepted: false, status: status, text: text}
}
