// Package auth 校验连接携带的令牌并解析出用户身份。
package auth

import (
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Validator 令牌校验器：返回用户 ID
type Validator interface {
	ValidateToken(token string) (string, error)
}

// Identity 令牌解析出的身份
type Identity struct {
	UserID   string
	ReadOnly bool
}

// IdentityValidator 能额外给出写权限信息的校验器
type IdentityValidator interface {
	Validator
	Identify(token string) (Identity, error)
}

// JWTValidator HS256 签名的 JWT 校验器。
// 用户 ID 取 sub，缺失时取 user_id；readonly=true 的令牌只能读。
type JWTValidator struct {
	secret []byte
	issuer string
	parser *gojwt.Parser
}

func NewJWTValidator(secret, issuer string) *JWTValidator {
	opts := []gojwt.ParserOption{
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
		gojwt.WithLeeway(30 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, gojwt.WithIssuer(issuer))
	}
	return &JWTValidator{secret: []byte(secret), issuer: issuer, parser: gojwt.NewParser(opts...)}
}

func (v *JWTValidator) ValidateToken(token string) (string, error) {
	id, err := v.Identify(token)
	if err != nil {
		return "", err
	}
	return id.UserID, nil
}

func (v *JWTValidator) Identify(token string) (Identity, error) {
	claims := gojwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(*gojwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	var id Identity
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		id.UserID = sub
	} else if userID, ok := claims["user_id"].(string); ok {
		id.UserID = userID
	}
	if id.UserID == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if ro, ok := claims["readonly"].(bool); ok {
		id.ReadOnly = ro
	}
	return id, nil
}

// Sign 签发令牌（开发与测试用）
func (v *JWTValidator) Sign(userID string, readOnly bool, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := gojwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if v.issuer != "" {
		claims["iss"] = v.issuer
	}
	if readOnly {
		claims["readonly"] = true
	}
	return gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Identify 用任意校验器解析身份；不支持 Identify 的校验器视为可写
func Identify(v Validator, token string) (Identity, error) {
	if iv, ok := v.(IdentityValidator); ok {
		return iv.Identify(token)
	}
	userID, err := v.ValidateToken(token)
	if err != nil {
		return Identity{}, err
	}
	return Identity{UserID: userID}, nil
}
