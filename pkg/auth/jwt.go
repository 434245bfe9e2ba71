package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalid = errors.New("invalid token")

// Claims identify the token subject. Node tokens carry the node id as Subject;
// coordinator user tokens carry the user id.
type Claims struct {
	UserID   string `json:"uid,omitempty"`
	Username string `json:"username,omitempty"`
	IsAdmin  bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// Signer issues and verifies HS256 tokens with a single shared secret.
// Verification is stateless.
type Signer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

func NewSigner(secret, issuer string, ttl time.Duration) *Signer {
	return &Signer{secret: []byte(secret), issuer: issuer, ttl: ttl}
}

// IssueNode returns a token for a coordinator session talking to this node.
func (s *Signer) IssueNode(subject string) (string, error) {
	return s.sign(Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: subject}})
}

// IssueUser returns an end-user token for the coordinator API.
func (s *Signer) IssueUser(userID, username string, admin bool) (string, error) {
	return s.sign(Claims{
		UserID:           userID,
		Username:         username,
		IsAdmin:          admin,
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID},
	})
}

func (s *Signer) sign(claims Claims) (string, error) {
	now := time.Now()
	claims.Issuer = s.issuer
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (s *Signer) Parse(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer))
	if err != nil || !token.Valid {
		return nil, ErrInvalid
	}
	if claims, ok := token.Claims.(*Claims); ok {
		return claims, nil
	}
	return nil, ErrInvalid
}
