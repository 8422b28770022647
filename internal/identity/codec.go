package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"commsdash/dashboard/internal/domain"
)

// 身份 Cookie 名
const CookieName = "participantIdentity"

// 签发者
const issuer = "commsdash"

var (
	// ErrInvalidToken 无效的身份令牌
	ErrInvalidToken = errors.New("invalid identity token")
	// ErrExpiredToken 身份令牌已过期
	ErrExpiredToken = errors.New("identity token expired")
)

// Claims 身份 Cookie 的 JWT 声明
type Claims struct {
	Identity string `json:"identity"`
	jwt.RegisteredClaims
}

// Codec 签名与校验身份 Cookie
type Codec struct {
	secret []byte
	expiry time.Duration
	now    func() time.Time
}

// NewCodec 创建身份编解码器
func NewCodec(secret string, expiry time.Duration) *Codec {
	return &Codec{
		secret: []byte(secret),
		expiry: expiry,
		now:    time.Now,
	}
}

// Expiry 返回 Cookie 有效期
func (c *Codec) Expiry() time.Duration { return c.expiry }

// Encode 将身份签名为 Cookie 值
func (c *Codec) Encode(identity string) (string, error) {
	now := c.now()
	claims := Claims{
		Identity: identity,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   identity,
			ExpiresAt: jwt.NewNumericDate(now.Add(c.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign identity token: %w", err)
	}
	return signed, nil
}

// Decode 校验 Cookie 值并返回身份
//
// 身份内容会被重新校验格式，签名正确但格式非法的身份同样视为无效。
func (c *Codec) Decode(value string) (string, error) {
	token, err := jwt.ParseWithClaims(value, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return c.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(c.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || !domain.ValidateIdentity(claims.Identity) {
		return "", ErrInvalidToken
	}
	return claims.Identity, nil
}
