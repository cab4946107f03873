package middleware

import (
	"net/http"
	"net/netip"
	"strings"

	"github.com/Dhoini/entitlement-service/pkg/logger"
	"github.com/Dhoini/entitlement-service/pkg/res"
	"github.com/gin-gonic/gin"
)

// IPAllowlist пропускает только запросы с адресов из списка. Элементы -
// адреса или CIDR. Пустой список пропускает всех.
func IPAllowlist(allowed []string, log *logger.Logger) gin.HandlerFunc {
	prefixes := make([]netip.Prefix, 0, len(allowed))
	for _, raw := range allowed {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if p, err := netip.ParsePrefix(raw); err == nil {
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			log.Warnw("Ignoring invalid allowlist entry", "entry", raw)
			continue
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}

	return func(c *gin.Context) {
		if len(prefixes) == 0 {
			c.Next()
			return
		}

		ip := c.ClientIP()
		addr, err := netip.ParseAddr(ip)
		if err == nil {
			addr = addr.Unmap()
			for _, p := range prefixes {
				if p.Contains(addr) {
					c.Next()
					return
				}
			}
		}

		log.Warnw("Request from untrusted source rejected", "security_event", "untrusted_source", "ip", ip, "path", c.Request.URL.Path)
		res.Error(c.Writer, "Forbidden", http.StatusForbidden)
		c.Abort()
	}
}
