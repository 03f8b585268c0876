// internal/paywall/locale.go
package paywall

import (
	"strings"

	"github.com/gatekit/gatekit/internal/types"
)

// ResolveLocale narrows a device locale to one the account publishes
// localized paywalls for. An exact match wins, then the primary language
// subtag ("fr-CA" falls back to "fr"), otherwise the locale is omitted
// and the server returns the default localization.
func ResolveLocale(deviceLocale string, cfg *types.Config) string {
	if deviceLocale == "" || cfg == nil {
		return ""
	}
	if cfg.HasLocale(deviceLocale) {
		return deviceLocale
	}

	primary := deviceLocale
	for _, sep := range []string{"-", "_"} {
		if i := strings.Index(primary, sep); i > 0 {
			primary = primary[:i]
		}
	}
	if primary != deviceLocale && cfg.HasLocale(primary) {
		return primary
	}
	return ""
}
