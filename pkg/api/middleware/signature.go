package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"

	"github.com/LENAX/task-watchdog/pkg/api/dto"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const (
	// SignatureHeader 触发请求签名头，格式 sha256=<hex>
	SignatureHeader = "X-Signature-256"

	maxSignedBody = 1 << 20
)

// Sign 计算请求体签名
func Sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// VerifySignature 校验请求体签名
func VerifySignature(body []byte, signature, secret string) bool {
	return hmac.Equal([]byte(signature), []byte(Sign(body, secret)))
}

// Signature 校验触发请求的HMAC签名，secret为空时不校验
func Signature(secret string, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSignedBody+1))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, dto.NewErrorResponse(400, "读取请求体失败"))
			return
		}
		if len(body) > maxSignedBody {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, dto.NewErrorResponse(413, "请求体过大"))
			return
		}

		sig := c.GetHeader(SignatureHeader)
		if sig == "" || !VerifySignature(body, sig, secret) {
			logger.Warn().Str("client_ip", c.ClientIP()).Bool("missing", sig == "").Msg("[API] 触发请求签名校验失败")
			c.AbortWithStatusJSON(http.StatusUnauthorized, dto.NewErrorResponse(401, "签名校验失败"))
			return
		}

		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		c.Next()
	}
}
