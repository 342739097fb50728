// Package middleware holds the gin middleware shared by both binaries.
package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// IPAllowlist restricts operator endpoints to loopback plus a configured set
// of IPs or CIDR ranges.
type IPAllowlist struct {
	log    *logrus.Logger
	exact  []net.IP
	ranges []*net.IPNet
}

// NewIPAllowlist parses the allowed entries once up front. Entries that fail
// to parse are logged and skipped rather than silently widening access.
func NewIPAllowlist(log *logrus.Logger, allowed []string) *IPAllowlist {
	a := &IPAllowlist{log: log}
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			_, ipNet, err := net.ParseCIDR(entry)
			if err != nil {
				log.WithField("entry", entry).Warn("invalid CIDR in admin allowlist, skipping")
				continue
			}
			a.ranges = append(a.ranges, ipNet)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			log.WithField("entry", entry).Warn("invalid IP in admin allowlist, skipping")
			continue
		}
		a.exact = append(a.exact, ip)
	}
	return a
}

// Restrict rejects requests whose client IP is neither loopback nor in the
// allowlist. The direct remote address is checked as a fallback so local
// requests survive a misconfigured proxy chain.
func (a *IPAllowlist) Restrict() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		if a.allowed(clientIP) {
			c.Next()
			return
		}

		remoteIP, _, _ := net.SplitHostPort(c.Request.RemoteAddr)
		if remoteIP != clientIP && isLoopback(remoteIP) {
			a.log.WithFields(logrus.Fields{
				"clientIp": clientIP,
				"remoteIp": remoteIP,
				"path":     c.Request.URL.Path,
			}).Warn("client IP denied but remote address is loopback, allowing direct local connection")
			c.Next()
			return
		}

		a.log.WithFields(logrus.Fields{
			"clientIp": clientIP,
			"remoteIp": remoteIP,
			"path":     c.Request.URL.Path,
			"method":   c.Request.Method,
		}).Warn("rejected access to operator endpoint")
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"success": false,
			"error":   "this endpoint is only accessible from allowed addresses",
			"code":    "IP_NOT_ALLOWED",
		})
	}
}

func (a *IPAllowlist) allowed(ip string) bool {
	if isLoopback(ip) {
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, allowed := range a.exact {
		if allowed.Equal(parsed) {
			return true
		}
	}
	for _, ipNet := range a.ranges {
		if ipNet.Contains(parsed) {
			return true
		}
	}
	return false
}

func isLoopback(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ip == "localhost"
	}
	return parsed.IsLoopback()
}
