package auth

import (
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"

	"chatd/cmd/internal/chat"
)

// Claims is the identity carried by an access token.
type Claims struct {
	UserID    string
	UserType  chat.ParticipantType
	ExpiresAt time.Time
	IssuedAt  time.Time
	Issuer    string
}

// Verifier checks PASETO v4.public access tokens.
type Verifier struct {
	issuer    string
	clockSkew time.Duration
	public    paseto.V4AsymmetricPublicKey
}

// NewVerifier builds a Verifier from cfg.PublicKeyHex, or from the public half of cfg.SecretKeyHex.
func NewVerifier(cfg Config) (*Verifier, error) {
	var public paseto.V4AsymmetricPublicKey
	switch {
	case cfg.PublicKeyHex != "":
		pk, err := paseto.NewV4AsymmetricPublicKeyFromHex(cfg.PublicKeyHex)
		if err != nil {
			return nil, ErrConfig
		}
		public = pk
	case cfg.SecretKeyHex != "":
		sk, err := paseto.NewV4AsymmetricSecretKeyFromHex(cfg.SecretKeyHex)
		if err != nil {
			return nil, ErrConfig
		}
		public = sk.Public()
	default:
		return nil, ErrConfig
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, ErrConfig
	}
	return &Verifier{issuer: cfg.Issuer, clockSkew: cfg.ClockSkew, public: public}, nil
}

// Verify parses and validates token at now.
func (v *Verifier) Verify(token string, now time.Time) (Claims, error) {
	// Validate slightly in the future so "nbf" survives minor clock differences.
	validNow := now.Add(v.clockSkew)

	// Fresh parser per call so rules never accumulate.
	p := paseto.NewParser()
	p.AddRule(paseto.IssuedBy(v.issuer))
	p.AddRule(paseto.NotExpired())
	p.AddRule(paseto.ValidAt(validNow))

	parsed, err := p.ParseV4Public(v.public, token, nil)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	uid, err := parsed.GetString("uid")
	if err != nil || strings.TrimSpace(uid) == "" {
		return Claims{}, ErrInvalidToken
	}
	utype := chat.ParticipantCustomer
	if raw, err := parsed.GetString("utype"); err == nil && raw != "" {
		utype = chat.ParticipantType(raw)
	}
	if !utype.Valid() {
		return Claims{}, ErrInvalidToken
	}

	iss, _ := parsed.GetIssuer()
	exp, _ := parsed.GetExpiration()
	iat, _ := parsed.GetIssuedAt()

	return Claims{
		UserID:    uid,
		UserType:  utype,
		ExpiresAt: exp,
		IssuedAt:  iat,
		Issuer:    iss,
	}, nil
}

// Issuer signs access tokens. chatd only issues tokens from the dev CLI; production tokens come
// from the identity service that owns the secret key.
type Issuer struct {
	issuer string
	ttl    time.Duration
	secret paseto.V4AsymmetricSecretKey
}

// NewIssuer builds an Issuer from cfg.SecretKeyHex.
func NewIssuer(cfg Config) (*Issuer, error) {
	secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(cfg.SecretKeyHex)
	if err != nil {
		return nil, ErrConfig
	}
	if strings.TrimSpace(cfg.Issuer) == "" || cfg.AccessTokenTTL <= 0 {
		return nil, ErrConfig
	}
	return &Issuer{issuer: cfg.Issuer, ttl: cfg.AccessTokenTTL, secret: secret}, nil
}

// Issue signs a token for userID of type userType.
func (i *Issuer) Issue(userID string, userType chat.ParticipantType, now time.Time) (string, time.Time, error) {
	if strings.TrimSpace(userID) == "" || !userType.Valid() {
		return "", time.Time{}, ErrInvalidToken
	}
	exp := now.Add(i.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(i.issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)
	_ = tok.Set("uid", userID)
	_ = tok.Set("utype", string(userType))

	return tok.V4Sign(i.secret, nil), exp, nil
}

// GenerateKeyPair returns a fresh Ed25519 keypair as hex (secret, public).
func GenerateKeyPair() (secretHex, publicHex string) {
	sk := paseto.NewV4AsymmetricSecretKey()
	return sk.ExportHex(), sk.Public().ExportHex()
}
