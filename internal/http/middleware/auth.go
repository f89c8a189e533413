package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/gridauth/internal/domain"
)

const accessClaimsKey = "accessClaims"

// TokenVerifier checks a signed access token.
type TokenVerifier interface {
	Verify(raw string) (*domain.AccessClaims, error)
}

// Auth validates the Authorization header and attaches claims.
type Auth struct {
	Verifier TokenVerifier
}

// NewAuth constructs the bearer-token middleware.
func NewAuth(verifier TokenVerifier) *Auth {
	return &Auth{Verifier: verifier}
}

// ValidateJWT ensures the request carries a valid bearer access token.
func (m *Auth) ValidateJWT(c *gin.Context) {
	raw, ok := BearerToken(c)
	if !ok {
		abortUnauthorized(c, "Bearer token required.")
		return
	}
	claims, err := m.Verifier.Verify(raw)
	if err != nil {
		abortUnauthorized(c, "Invalid access token.")
		return
	}
	c.Set(accessClaimsKey, claims)
	c.Next()
}

// RequireProperty rejects callers whose token lacks property.
func (m *Auth) RequireProperty(property string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := GetAccessClaims(c)
		if !ok || !claims.Grant.HasProperty(property) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":             "insufficient_scope",
				"error_description": "The token lacks the " + property + " property.",
			})
			return
		}
		c.Next()
	}
}

// RequireClass rejects tokens of any other class.
func (m *Auth) RequireClass(class domain.TokenClass) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := GetAccessClaims(c)
		if !ok || claims.Class != class {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":             "insufficient_scope",
				"error_description": "A " + string(class) + " token is required.",
			})
			return
		}
		c.Next()
	}
}

// GetAccessClaims exposes verified access token claims to handlers.
func GetAccessClaims(c *gin.Context) (*domain.AccessClaims, bool) {
	value, ok := c.Get(accessClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := value.(*domain.AccessClaims)
	return claims, ok
}

// BearerToken extracts the credential from "Authorization: Bearer <token>".
func BearerToken(c *gin.Context) (string, bool) {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

func abortUnauthorized(c *gin.Context, desc string) {
	c.Header("WWW-Authenticate", `Bearer error="invalid_token"`)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": desc})
}
