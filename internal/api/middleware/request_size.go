package middleware

import (
	"net/http"
)

const (
	// DefaultMaxBodySize caps JSON request bodies. Media never passes through
	// the API; browsers upload straight to object storage.
	DefaultMaxBodySize int64 = 1 << 20
)

// RequestSize limits the size of incoming request bodies.
//
// It wraps the request body with http.MaxBytesReader to enforce the limit.
// Handlers decoding an oversized body get an *http.MaxBytesError and answer
// 413. Requests that declare a larger Content-Length are refused up front.
func RequestSize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				w.Header().Set("Connection", "close")
				http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
				return
			}
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}

			next.ServeHTTP(w, r)
		})
	}
}

// DefaultRequestSize limits request bodies to DefaultMaxBodySize.
func DefaultRequestSize() func(http.Handler) http.Handler {
	return RequestSize(DefaultMaxBodySize)
}
