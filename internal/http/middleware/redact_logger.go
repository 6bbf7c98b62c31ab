// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements RedactingLogger, the access logger. Requests to this
// service carry email addresses and phone numbers by nature, so nothing that
// may hold them is logged verbatim:
//
//   - bodies are never logged
//   - the path is the matched route pattern, never the raw URL
//   - query strings and header values pass through the redactor
//   - sensitive headers (Authorization, Cookie, Set-Cookie, plus custom) are
//     fully masked
//
// Usage:
//
//	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
//	    MaskHeaders: []string{"X-Api-Key"},
//	    SkipPaths:   []string{"/health", "/metrics"},
//	}))
package middleware

import (
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// RedactOptions configures RedactingLogger.
type RedactOptions struct {
	// MaskHeaders lists extra headers (case-insensitive) replaced by
	// "[REDACTED]".
	MaskHeaders []string
	// SkipPaths lists URL paths that are not logged at all.
	SkipPaths []string
}

// redactor scrubs identifiers from free text. UUIDs go first so the phone
// patterns cannot bite into their digit groups; bare digit runs go last.
type redactor struct {
	uuidRE   *regexp.Regexp
	emailRE  *regexp.Regexp
	phoneRE  *regexp.Regexp
	digitsRE *regexp.Regexp
}

func newRedactor() *redactor {
	return &redactor{
		uuidRE:  regexp.MustCompile(`(?i)\b[0-9a-f]{8}\-[0-9a-f]{4}\-[1-5][0-9a-f]{3}\-[89ab][0-9a-f]{3}\-[0-9a-f]{12}\b`),
		emailRE: regexp.MustCompile(`(?i)[a-z0-9._%+\-]+(?:@|%40)[a-z0-9.\-]+\.[a-z]{2,}\b`),
		// Examples matched: "+1 212-555-1212", "212 555 1212", "(212) 555-1212".
		phoneRE: regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`),
		// Short phone numbers such as "123456" are still identifiers here.
		digitsRE: regexp.MustCompile(`\b\d{6,}\b`),
	}
}

func (r *redactor) redact(s string) string {
	if s == "" {
		return s
	}
	out := r.uuidRE.ReplaceAllString(s, "[REDACTED:id]")
	out = r.emailRE.ReplaceAllString(out, "[REDACTED:email]")
	out = r.phoneRE.ReplaceAllString(out, "[REDACTED:phone]")
	out = r.digitsRE.ReplaceAllString(out, "[REDACTED:phone]")
	return out
}

// RedactingLogger returns a Gin middleware that writes one access log line
// per request: INFO for success, WARN for 4xx and ERROR for 5xx.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	rd := newRedactor()

	maskHeaders := map[string]struct{}{
		"authorization": {},
		"cookie":        {},
		"set-cookie":    {},
	}
	for _, h := range opts.MaskHeaders {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			maskHeaders[h] = struct{}{}
		}
	}
	skip := make(map[string]struct{}, len(opts.SkipPaths))
	for _, p := range opts.SkipPaths {
		skip[p] = struct{}{}
	}

	return func(c *gin.Context) {
		if _, ok := skip[c.Request.URL.Path]; ok {
			c.Next()
			return
		}
		start := time.Now()

		path := c.FullPath()
		if path == "" {
			path = unmatchedRoute
		}
		safeQuery := rd.redact(truncate(c.Request.URL.RawQuery, maxQueryLogLength))

		safeHeaders := make(map[string]string, len(c.Request.Header))
		for k, vv := range c.Request.Header {
			if _, ok := maskHeaders[strings.ToLower(k)]; ok {
				safeHeaders[k] = "[REDACTED]"
				continue
			}
			safeHeaders[k] = rd.redact(strings.Join(vv, ", "))
		}

		c.Next()

		status := c.Writer.Status()
		reqID := c.Writer.Header().Get(requestIDHeader)
		if reqID == "" {
			reqID = c.GetHeader(requestIDHeader)
		}

		ev := log.Info()
		switch {
		case status >= 500:
			ev = log.Error()
		case status >= 400:
			ev = log.Warn()
		}
		if len(c.Errors) > 0 {
			ev = ev.Str("errors", rd.redact(c.Errors.String()))
		}

		ev.
			Str("request_id", reqID).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", safeQuery).
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Bool("replay", IsReplay(c)).
			Interface("headers", safeHeaders).
			Msg("http_request")
	}
}
