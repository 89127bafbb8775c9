package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/kirillkom/document-uploader/internal/core/domain"
)

const (
	Audience   = "upload"
	DefaultTTL = 15 * time.Minute
)

// StorageKeys are handed out with every credential when uploads go straight to S3.
type StorageKeys struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

type Config struct {
	Secret  string
	Issuer  string
	TTL     time.Duration
	Storage StorageKeys
}

// Issuer mints HS256 bearer tokens scoped to the storage upload path.
type Issuer struct {
	secret  []byte
	issuer  string
	ttl     time.Duration
	storage StorageKeys
	now     func() time.Time
}

func NewIssuer(cfg Config) (*Issuer, error) {
	if len(cfg.Secret) < 16 {
		return nil, errors.New("credential secret must be at least 16 bytes")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "document-uploader"
	}
	return &Issuer{
		secret:  []byte(cfg.Secret),
		issuer:  cfg.Issuer,
		ttl:     cfg.TTL,
		storage: cfg.Storage,
		now:     time.Now,
	}, nil
}

func (i *Issuer) Issue(_ context.Context, subject string) (domain.Credential, error) {
	now := i.now().UTC()
	expires := now.Add(i.ttl)
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    i.issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("sign credential: %w", err)
	}
	return domain.Credential{
		Token:           token,
		ExpiresAt:       expires,
		AccessKeyID:     i.storage.AccessKeyID,
		SecretAccessKey: i.storage.SecretAccessKey,
		SessionToken:    i.storage.SessionToken,
	}, nil
}

func (i *Issuer) Verify(_ context.Context, token string) error {
	if token == "" {
		return domain.WrapError(domain.ErrUnauthorized, "verify credential", errors.New("missing credential"))
	}
	_, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(Audience),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return domain.WrapError(domain.ErrUnauthorized, "verify credential", err)
	}
	return nil
}
