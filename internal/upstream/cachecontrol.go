package upstream

import (
	"strconv"
	"strings"
	"time"
)

// CacheControlDirective represents the parsed Cache-Control directives from
// an upstream response. The fetcher uses them to shorten entry TTLs when the
// upstream asks for it; directives can only tighten, never extend, the
// configured ceiling.
type CacheControlDirective struct {
	MaxAge  *int
	SMaxAge *int
	NoCache bool
	NoStore bool
	Private bool
}

// ParseCacheControl parses a Cache-Control header string. Unknown directives
// are silently ignored.
func ParseCacheControl(header string) CacheControlDirective {
	directive := CacheControlDirective{}

	if header == "" {
		return directive
	}

	parts := strings.Split(header, ",")
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if strings.Contains(part, "=") {
			kv := strings.SplitN(part, "=", 2)
			key := strings.TrimSpace(strings.ToLower(kv[0]))
			value := strings.TrimSpace(kv[1])

			switch key {
			case "max-age":
				if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
					directive.MaxAge = &seconds
				}
			case "s-maxage":
				if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
					directive.SMaxAge = &seconds
				}
			}
		} else {
			switch strings.ToLower(part) {
			case "no-cache":
				directive.NoCache = true
			case "no-store":
				directive.NoStore = true
			case "private":
				directive.Private = true
			}
		}
	}

	return directive
}

// TTL derives a cache TTL from the directive.
//
// Precedence (highest to lowest):
//  1. don't-cache directives (no-cache, no-store, private) -> 0
//  2. s-maxage (shared cache directive)
//  3. max-age
//  4. no directive -> nil, caller falls back to the configured TTL
func (d CacheControlDirective) TTL() *time.Duration {
	if d.NoCache || d.NoStore || d.Private {
		zero := time.Duration(0)
		return &zero
	}
	if d.SMaxAge != nil {
		ttl := time.Duration(*d.SMaxAge) * time.Second
		return &ttl
	}
	if d.MaxAge != nil {
		ttl := time.Duration(*d.MaxAge) * time.Second
		return &ttl
	}
	return nil
}

// EffectiveTTL combines the configured ceiling with the response directive.
// The directive can shorten the ceiling but never extend it.
func EffectiveTTL(ceiling time.Duration, directive CacheControlDirective) time.Duration {
	fromResponse := directive.TTL()
	if fromResponse == nil {
		return ceiling
	}
	if *fromResponse < ceiling {
		return *fromResponse
	}
	return ceiling
}
