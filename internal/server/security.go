package server

import "net/http"

const (
	defaultContentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'; base-uri 'none'"
	defaultFrameOptions          = "DENY"
	defaultReferrerPolicy        = "no-referrer"
	defaultContentTypeOptions    = "nosniff"
	defaultCacheControl          = "no-store"
)

// SecurityConfig controls the hardening headers added to every response.
// Zero-valued fields fall back to defaults suited to a JSON and image API.
type SecurityConfig struct {
	ContentSecurityPolicy string
	FrameOptions          string
	ReferrerPolicy        string
	ContentTypeOptions    string
	CacheControl          string
}

func (cfg SecurityConfig) withDefaults() SecurityConfig {
	if cfg.ContentSecurityPolicy == "" {
		cfg.ContentSecurityPolicy = defaultContentSecurityPolicy
	}
	if cfg.FrameOptions == "" {
		cfg.FrameOptions = defaultFrameOptions
	}
	if cfg.ReferrerPolicy == "" {
		cfg.ReferrerPolicy = defaultReferrerPolicy
	}
	if cfg.ContentTypeOptions == "" {
		cfg.ContentTypeOptions = defaultContentTypeOptions
	}
	if cfg.CacheControl == "" {
		cfg.CacheControl = defaultCacheControl
	}
	return cfg
}

func securityHeadersMiddleware(cfg SecurityConfig) func(http.Handler) http.Handler {
	effective := cfg.withDefaults()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := w.Header()
			header.Set("Content-Security-Policy", effective.ContentSecurityPolicy)
			header.Set("X-Frame-Options", effective.FrameOptions)
			header.Set("X-Content-Type-Options", effective.ContentTypeOptions)
			header.Set("Referrer-Policy", effective.ReferrerPolicy)
			header.Set("Cache-Control", effective.CacheControl)
			next.ServeHTTP(w, r)
		})
	}
}
