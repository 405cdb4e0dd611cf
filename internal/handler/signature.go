package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

const SignatureHeader = "X-Signature"

var (
	ErrSignatureMissing   = errors.New("缺少签名")
	ErrSignatureMalformed = errors.New("签名格式错误")
	ErrSignatureExpired   = errors.New("签名已过期")
	ErrSignatureMismatch  = errors.New("签名不匹配")
)

// SignPayload 签名算法：hex(HMAC-SHA256(secret, "<unix 秒>.<原始报文>"))
func SignPayload(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature 校验 "t=<unix>,v1=<hex>" 格式的签名头
// 未配置密钥时一律拒绝
func VerifySignature(secret, header string, body []byte, now time.Time, tolerance time.Duration) error {
	if secret == "" || header == "" {
		return ErrSignatureMissing
	}

	var (
		timestamp  int64
		signatures []string
		err        error
	)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return ErrSignatureMalformed
		}
		switch k {
		case "t":
			timestamp, err = strconv.ParseInt(v, 10, 64)
			if err != nil {
				return ErrSignatureMalformed
			}
		case "v1":
			signatures = append(signatures, v)
		}
	}
	if timestamp == 0 || len(signatures) == 0 {
		return ErrSignatureMalformed
	}

	skew := now.Sub(time.Unix(timestamp, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance {
		return ErrSignatureExpired
	}

	expected := []byte(SignPayload(secret, timestamp, body))
	for _, sig := range signatures {
		if hmac.Equal(expected, []byte(sig)) {
			return nil
		}
	}
	return ErrSignatureMismatch
}
