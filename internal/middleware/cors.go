package middleware

import (
	"log"
	"net/http"
	"net/url"
	"strings"
)

// Origins is a normalized allow-list of browser origins. An empty list
// allows every origin; "*" does the same explicitly.
type Origins struct {
	allowAll bool
	allowed  map[string]struct{}
}

// NewOrigins normalizes the configured origins, skipping invalid entries.
func NewOrigins(origins []string) *Origins {
	o := &Origins{allowed: make(map[string]struct{}, len(origins))}
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			o.allowAll = true
			continue
		}
		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			log.Printf("[cors] ignoring invalid origin in configuration: %q", origin)
			continue
		}
		o.allowed[normalized] = struct{}{}
	}
	if len(o.allowed) == 0 {
		o.allowAll = true
	}
	return o
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

// Allowed reports whether origin may talk to the API.
func (o *Origins) Allowed(origin string) bool {
	if o.allowAll {
		return true
	}
	normalized, ok := normalizeOrigin(origin)
	if !ok {
		return false
	}
	_, exists := o.allowed[normalized]
	return exists
}

// CheckWebSocketOrigin is an upgrader CheckOrigin func. Requests without an
// Origin header are non-browser clients and are let through.
func (o *Origins) CheckWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || o.Allowed(origin) {
		return true
	}
	log.Printf("[cors] blocked websocket connection from disallowed origin: %q", origin)
	return false
}

// CORS answers preflight requests and tags responses for allowed origins.
func CORS(origins *Origins) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && origins.Allowed(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				w.Header().Add("Vary", "Origin")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
