// Package validation provides request validation middleware for the API.
package validation

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (64KB)
const MaxRequestSize = 64 << 10

// MaxListLimit caps the ?limit query parameter.
const MaxListLimit = 100

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress reports whether addr is 0x followed by 40 hex digits.
func IsValidEthAddress(addr string) bool {
	return strings.HasPrefix(addr, "0x") && common.IsHexAddress(addr)
}

// AddressParamMiddleware rejects a malformed :address URL parameter and
// stores the parsed address under the "address" key.
func AddressParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := c.Param("address")
		if addr == "" {
			c.Next()
			return
		}
		if !IsValidEthAddress(addr) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "address must be a valid Ethereum address (0x + 40 hex chars)",
			})
			return
		}
		c.Set("address", common.HexToAddress(addr))
		c.Next()
	}
}

// Address returns the address stored by AddressParamMiddleware.
func Address(c *gin.Context) (common.Address, bool) {
	v, ok := c.Get("address")
	if !ok {
		return common.Address{}, false
	}
	addr, ok := v.(common.Address)
	return addr, ok
}

// Limit parses the ?limit query parameter. A missing value yields def;
// values outside 1..MaxListLimit are rejected.
func Limit(c *gin.Context, def int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > MaxListLimit {
		return 0, false
	}
	return n, true
}
