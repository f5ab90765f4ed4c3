package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// SnapshotClaims 绑定一次压缩轮次: 房间、轮次 ID 和要裁剪的笔画数
type SnapshotClaims struct {
	Room  string `json:"room"`
	Round string `json:"round"`
	Trim  int    `json:"trim"`
	jwt.RegisteredClaims
}

// TicketIssuer 签发和校验 CREATE_SNAPSHOT 附带的票据 (HS256)。
// 未配置密钥时不签发票据，提交时也不校验。
type TicketIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewTicketIssuer 创建 TicketIssuer，ttl 与锁过期时间一致
func NewTicketIssuer(secret string, ttl time.Duration) *TicketIssuer {
	return &TicketIssuer{secret: []byte(secret), ttl: ttl}
}

// Enabled 是否配置了密钥
func (t *TicketIssuer) Enabled() bool {
	return t != nil && len(t.secret) > 0
}

// Issue 签发票据，未启用时返回空字符串
func (t *TicketIssuer) Issue(roomID, roundID string, trim int) (string, error) {
	if !t.Enabled() {
		return "", nil
	}
	now := time.Now()
	claims := SnapshotClaims{
		Room:  roomID,
		Round: roundID,
		Trim:  trim,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			Subject:   roomID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign snapshot ticket: %w", err)
	}
	return signed, nil
}

// Verify 校验签名和过期时间
func (t *TicketIssuer) Verify(ticket string) (*SnapshotClaims, error) {
	if !t.Enabled() {
		return nil, errors.New("snapshot tickets are not enabled")
	}
	claims := &SnapshotClaims{}
	token, err := jwt.ParseWithClaims(ticket, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid snapshot ticket")
	}
	return claims, nil
}
