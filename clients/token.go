package clients

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/civiccaption/flexcore/config"
)

// uploadTokenTTL bounds how long a signed upload token stays valid; long
// enough to cover a slow multipart upload of a full-length recording.
const uploadTokenTTL = 4 * time.Hour

// NewUploadToken mints a short-lived HS256 token binding an upload to a
// specific source file name. Some Cablecast deployments sit behind a
// gateway that verifies these before admitting large uploads; deployments
// without one leave the signing secret unset and no token is attached.
func NewUploadToken(secret []byte, sourceName string) (string, error) {
	now := config.Clock.GetTime()
	claims := jwt.MapClaims{
		"sub": sourceName,
		"iat": now.Unix(),
		"exp": now.Add(uploadTokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("signing upload token: %w", err)
	}
	return signed, nil
}

// VerifyUploadToken checks a token minted by NewUploadToken and returns
// the source name it was bound to. Used by tests and by any co-deployed
// gateway sharing the secret.
func VerifyUploadToken(secret []byte, tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid upload token")
	}
	sub, _ := claims["sub"].(string)
	return sub, nil
}
