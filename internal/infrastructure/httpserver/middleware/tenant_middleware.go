package middleware

import (
	"fmt"
	"net"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/avatarctic/tenant-metering/go/internal/infrastructure/httpserver/helpers"
)

// TenantHeader carries an explicit tenant identifier (UUID or slug).
const TenantHeader = "X-Tenant-ID"

const (
	SourceHeader    = "header"
	SourceSubdomain = "subdomain"
	SourceToken     = "token"
)

var reservedSubdomains = map[string]struct{}{
	"localhost": {},
	"api":       {},
	"www":       {},
	"cloud":     {},
}

// identityClaims is the subset of the identity layer's access token this service reads.
type identityClaims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

type TenantMiddleware struct {
	baseDomain string
	jwtSecret  []byte
	logger     *logrus.Logger
}

func NewTenantMiddleware(baseDomain, jwtSecret string, logger *logrus.Logger) *TenantMiddleware {
	return &TenantMiddleware{
		baseDomain: strings.ToLower(strings.TrimPrefix(baseDomain, ".")),
		jwtSecret:  []byte(jwtSecret),
		logger:     logger,
	}
}

// ExtractTenant finds the caller's tenant identifier and stores it in the context.
// Resolution and admission happen later in the chain; a request without any identifier
// passes through untouched.
func (m *TenantMiddleware) ExtractTenant() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if ref, source := m.extract(c); ref != "" {
				helpers.SetTenantRef(c, ref, source)
				if m.logger != nil {
					m.logger.WithFields(logrus.Fields{"tenant_ref": ref, "source": source}).Debug("tenant identifier extracted")
				}
			}
			return next(c)
		}
	}
}

func (m *TenantMiddleware) extract(c echo.Context) (string, string) {
	if ref := strings.TrimSpace(c.Request().Header.Get(TenantHeader)); ref != "" {
		return ref, SourceHeader
	}
	if ref := m.subdomain(c.Request().Host); ref != "" {
		return ref, SourceSubdomain
	}
	if token := helpers.GetBearerToken(c); token != "" && len(m.jwtSecret) > 0 {
		ref, err := m.tenantFromToken(token)
		if err != nil {
			if m.logger != nil {
				m.logger.WithFields(logrus.Fields{"ip": c.RealIP(), "path": c.Request().URL.Path}).WithError(err).Debug("bearer token carries no usable tenant")
			}
			return "", ""
		}
		return ref, SourceToken
	}
	return "", ""
}

// subdomain returns the leftmost label of host when host is a direct child of the base
// domain and the label is not reserved.
func (m *TenantMiddleware) subdomain(host string) string {
	if m.baseDomain == "" || host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)
	suffix := "." + m.baseDomain
	if !strings.HasSuffix(host, suffix) {
		return ""
	}
	label := strings.TrimSuffix(host, suffix)
	if label == "" || strings.Contains(label, ".") {
		return ""
	}
	if _, reserved := reservedSubdomains[label]; reserved {
		return ""
	}
	return label
}

func (m *TenantMiddleware) tenantFromToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &identityClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.jwtSecret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*identityClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token claims")
	}
	if claims.TenantID == "" {
		return "", fmt.Errorf("token has no tenant_id claim")
	}
	return claims.TenantID, nil
}
