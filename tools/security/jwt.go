package security

import (
	"context"
	"fmt"
	"strings"
	"time"

	"PPChat/tools/errs"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Options 控制签名与TTL等参数。
type Options struct {
	Secret []byte        // HMAC 密钥（生产用ENV/KMS）
	Alg    string        // HS256/HS384/HS512（默认 HS256）
	TTL    time.Duration // 令牌有效期（默认 2h）
	Issuer string        // 非空时校验 iss
}

func DefaultOptions(secret []byte) Options {
	return Options{Secret: secret, Alg: "HS256", TTL: 2 * time.Hour}
}

// Generate 签发 sub=userID 的令牌（联调/测试用，正式令牌由账号服务签发）
func Generate(opts Options, userID string) (token string, expireAt time.Time, err error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return "", time.Time{}, err
	}
	if opts.TTL == 0 {
		opts.TTL = 2 * time.Hour
	}
	now := time.Now()
	exp := now.Add(opts.TTL)

	claims := jwtlib.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwtlib.NewNumericDate(now),
		NotBefore: jwtlib.NewNumericDate(now),
		ExpiresAt: jwtlib.NewNumericDate(exp),
		Issuer:    opts.Issuer,
	}
	signed, err := jwtlib.NewWithClaims(method, claims).SignedString(opts.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// JWTAuthenticator 连接建立时校验一次令牌，得到整个会话期间可信的 userID
type JWTAuthenticator struct {
	opts   Options
	parser *jwtlib.Parser
}

func NewJWTAuthenticator(opts Options) (*JWTAuthenticator, error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return nil, err
	}
	if len(opts.Secret) == 0 {
		return nil, fmt.Errorf("jwt secret is empty")
	}
	popts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods([]string{method.Alg()}),
		jwtlib.WithExpirationRequired(),
	}
	if opts.Issuer != "" {
		popts = append(popts, jwtlib.WithIssuer(opts.Issuer))
	}
	return &JWTAuthenticator{opts: opts, parser: jwtlib.NewParser(popts...)}, nil
}

func (a *JWTAuthenticator) Authenticate(_ context.Context, token string) (string, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return "", errs.ErrUnauthorized.WrapMsg("missing token")
	}
	var claims jwtlib.RegisteredClaims
	parsed, err := a.parser.ParseWithClaims(token, &claims, func(t *jwtlib.Token) (interface{}, error) {
		return a.opts.Secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", errs.ErrUnauthorized.WrapMsg("invalid token", "cause", err)
	}
	if claims.Subject == "" {
		return "", errs.ErrUnauthorized.WrapMsg("token has no subject")
	}
	return claims.Subject, nil
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}
