package services

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/lumachat/backend/internal/logger"
	"github.com/lumachat/backend/internal/utils"
)

// UploadCredentials are the short-lived parameters a client presents to the
// image CDN for a direct upload. The server never proxies the bytes.
type UploadCredentials struct {
	Signature string `json:"signature"`
	Expire    int64  `json:"expire"`
	Token     string `json:"token"`
}

type UploadCredentialService interface {
	Credentials() UploadCredentials
}

type uploadCredentialService struct {
	log         *logger.Logger
	urlEndpoint string
	publicKey   string
	privateKey  string
	ttl         time.Duration

	now      func() time.Time
	newToken func() string
}

// NewUploadCredentialService fails when the CDN endpoint or keys are missing,
// so a misconfigured deployment dies at startup instead of per request.
func NewUploadCredentialService(log *logger.Logger) (UploadCredentialService, error) {
	serviceLog := log.With("service", "UploadCredentialService")

	urlEndpoint, err := utils.MustGetEnv("IMAGEKIT_URL_ENDPOINT")
	if err != nil {
		return nil, err
	}
	publicKey, err := utils.MustGetEnv("IMAGEKIT_PUBLIC_KEY")
	if err != nil {
		return nil, err
	}
	privateKey, err := utils.MustGetEnv("IMAGEKIT_PRIVATE_KEY")
	if err != nil {
		return nil, err
	}
	ttlSec := utils.GetEnvAsInt("IMAGEKIT_AUTH_TTL_SECONDS", 1800, log)

	return &uploadCredentialService{
		log:         serviceLog,
		urlEndpoint: urlEndpoint,
		publicKey:   publicKey,
		privateKey:  privateKey,
		ttl:         time.Duration(ttlSec) * time.Second,
		now:         time.Now,
		newToken:    uuid.NewString,
	}, nil
}

func (us *uploadCredentialService) Credentials() UploadCredentials {
	token := us.newToken()
	expire := us.now().Add(us.ttl).Unix()
	return UploadCredentials{
		Token:     token,
		Expire:    expire,
		Signature: signUploadToken(token, expire, us.privateKey),
	}
}

// signUploadToken computes the CDN's expected HMAC-SHA1 over token+expire.
func signUploadToken(token string, expire int64, privateKey string) string {
	mac := hmac.New(sha1.New, []byte(privateKey))
	mac.Write([]byte(token + strconv.FormatInt(expire, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}
