// Package hardening refuses to boot a production-like gateway with a
// configuration that would accept unauthenticated or unencrypted traffic.
package hardening

import (
	"fmt"
	"strings"
)

type Options struct {
	Service            string
	Environment        string
	StrictProdSecurity string
	DatabaseRequireTLS string
	RedisAddr          string
	RedisTLS           string
	AuthSecret         string
	WriteKeys          string
	LegacyWriteKey     string
	AllowedOrigins     string
	TrustIPHeaders     bool
	TrustedProxies     string
}

func ValidateProduction(o Options) error {
	if !isProductionLikeEnv(o.Environment) {
		return nil
	}
	if !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "gateway"
	}
	if !isTrue(o.DatabaseRequireTLS, false) {
		return fmt.Errorf("%s: strict production hardening requires DATABASE_REQUIRE_TLS=true", service)
	}
	if strings.TrimSpace(o.RedisAddr) != "" && !isTrue(o.RedisTLS, false) {
		return fmt.Errorf("%s: strict production hardening requires REDIS_TLS=true", service)
	}
	if strings.TrimSpace(o.AuthSecret) == "" {
		return fmt.Errorf("%s: strict production hardening requires AUTH_SECRET", service)
	}
	if strings.TrimSpace(o.WriteKeys) == "" && strings.TrimSpace(o.LegacyWriteKey) == "" {
		return fmt.Errorf("%s: strict production hardening requires a configured tracking write key", service)
	}
	if o.TrustIPHeaders && strings.TrimSpace(o.TrustedProxies) == "" {
		return fmt.Errorf("%s: TRUST_IP_HEADERS=true requires an explicit TRUSTED_PROXIES list", service)
	}
	return validateOrigins(o.AllowedOrigins, service)
}

func validateOrigins(raw, service string) error {
	validCount := 0
	for _, origin := range strings.Split(raw, ",") {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		validCount++
		lower := strings.ToLower(o)
		if lower == "*" {
			return fmt.Errorf("%s: strict production hardening forbids wildcard origin", service)
		}
		if strings.HasPrefix(lower, "http://localhost") || strings.HasPrefix(lower, "https://localhost") || strings.HasPrefix(lower, "http://127.0.0.1") || strings.HasPrefix(lower, "https://127.0.0.1") {
			return fmt.Errorf("%s: strict production hardening forbids localhost origin %q", service, o)
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("%s: strict production hardening requires HTTPS origin, got %q", service, o)
		}
	}
	if validCount == 0 {
		return fmt.Errorf("%s: strict production hardening requires explicit ALLOWED_ORIGINS", service)
	}
	return nil
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func isProductionLikeEnv(raw string) bool {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
