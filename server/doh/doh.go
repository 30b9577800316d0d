// Package doh implements the RFC 8484 wire-format HTTP handler.
package doh

import (
	"encoding/base64"
	"io"
	"net/http"
	"strings"

	"github.com/miekg/dns"
)

const mimeType = "application/dns-message"

const minMsgHeaderSize = 12

// HandleWireFormat handle wire format
func HandleWireFormat(handle func(*dns.Msg) *dns.Msg) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			buf []byte
			err error
		)

		if !acceptable(r.Header.Get("Accept")) {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}

		switch r.Method {
		case http.MethodGet:
			buf, err = base64.RawURLEncoding.DecodeString(r.URL.Query().Get("dns"))
			if len(buf) == 0 || err != nil {
				http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
				return
			}
		case http.MethodPost:
			if contentType(r.Header.Get("Content-Type")) != mimeType {
				http.Error(w, http.StatusText(http.StatusUnsupportedMediaType), http.StatusUnsupportedMediaType)
				return
			}

			buf, err = io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			defer r.Body.Close()
		default:
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}

		if len(buf) < minMsgHeaderSize {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}

		req := new(dns.Msg)
		if err := req.Unpack(buf); err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}

		msg := handle(req)
		if msg == nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}

		packed, err := msg.Pack()
		if err != nil {
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", mimeType)

		_, _ = w.Write(packed)
	}
}

// acceptable reports whether the Accept header permits the dns-message
// media type. A missing header accepts everything.
func acceptable(accept string) bool {
	if accept == "" {
		return true
	}

	for _, part := range strings.Split(accept, ",") {
		switch contentType(part) {
		case mimeType, "application/*", "*/*":
			return true
		}
	}

	return false
}

// contentType strips media type parameters and whitespace.
func contentType(value string) string {
	if i := strings.IndexByte(value, ';'); i != -1 {
		value = value[:i]
	}
	return strings.ToLower(strings.TrimSpace(value))
}
