package jwt

import (
	"context"
	"errors"
	"fmt"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/smallbiznis/valora-session/internal/domain"
	"github.com/smallbiznis/valora-session/internal/metrics"
	"github.com/smallbiznis/valora-session/internal/repository"
)

// Identity is the subject an access token is minted for.
type Identity struct {
	UserID int64
	Email  string
}

// AccessClaims is the private part of the access token payload. Permissions
// are deliberately absent and are re-read per request.
type AccessClaims struct {
	UserID int64    `json:"userId"`
	Email  string   `json:"email"`
	Roles  []string `json:"roles"`
}

// Claims is a verified access token.
type Claims struct {
	JTI       string
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
	AccessClaims
}

// IssuedToken is a freshly minted access token.
type IssuedToken struct {
	Token     string
	JTI       string
	ExpiresAt time.Time
}

// Issuer mints and verifies access tokens and keeps their liveness records in
// the session store.
type Issuer struct {
	key       SigningKey
	signer    gojose.Signer
	issuer    string
	accessTTL time.Duration
	sessions  repository.SessionStore
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	now       func() time.Time
}

// Option customises an Issuer.
type Option func(*Issuer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// WithMetrics records validation outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Issuer) { i.metrics = m }
}

// NewIssuer constructs an Issuer.
func NewIssuer(key SigningKey, issuer string, accessTTL time.Duration, sessions repository.SessionStore, opts ...Option) (*Issuer, error) {
	signer, err := key.signer()
	if err != nil {
		return nil, err
	}
	i := &Issuer{
		key:       key,
		signer:    signer,
		issuer:    issuer,
		accessTTL: accessTTL,
		sessions:  sessions,
		tracer:    otel.Tracer("github.com/smallbiznis/valora-session/internal/jwt"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// AccessTTL returns the configured access token lifetime.
func (i *Issuer) AccessTTL() time.Duration {
	return i.accessTTL
}

// Issue signs a token for identity and registers it as a live session.
func (i *Issuer) Issue(ctx context.Context, identity Identity, roles []string) (IssuedToken, error) {
	ctx, span := i.tracer.Start(ctx, "Issuer.Issue")
	defer span.End()

	now := i.now().UTC()
	expires := now.Add(i.accessTTL)
	jti := uuid.NewString()
	if roles == nil {
		roles = []string{}
	}

	std := gojwt.Claims{
		ID:       jti,
		Subject:  identity.Email,
		Issuer:   i.issuer,
		IssuedAt: gojwt.NewNumericDate(now),
		Expiry:   gojwt.NewNumericDate(expires),
	}
	custom := AccessClaims{UserID: identity.UserID, Email: identity.Email, Roles: roles}

	token, err := gojwt.Signed(i.signer).Claims(std).Claims(custom).Serialize()
	if err != nil {
		span.RecordError(err)
		return IssuedToken{}, fmt.Errorf("serialize jwt: %w", err)
	}

	session := domain.AccessSession{UserID: identity.UserID, IssuedAt: now, ExpiresAt: expires}
	if err := i.sessions.RegisterAccess(ctx, jti, session, i.accessTTL); err != nil {
		span.RecordError(err)
		return IssuedToken{}, fmt.Errorf("register access token: %w", err)
	}

	return IssuedToken{Token: token, JTI: jti, ExpiresAt: expires}, nil
}

// Validate verifies signature and expiry, then requires the token to be live
// in the session store and absent from the blacklist.
func (i *Issuer) Validate(ctx context.Context, token string) (*Claims, error) {
	ctx, span := i.tracer.Start(ctx, "Issuer.Validate")
	defer span.End()

	claims, err := i.validate(ctx, token)
	i.metrics.Validation(validationOutcome(err))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return claims, nil
}

func (i *Issuer) validate(ctx context.Context, token string) (*Claims, error) {
	claims, std, err := i.verify(token)
	if err != nil {
		return nil, err
	}
	if err := std.ValidateWithLeeway(gojwt.Expected{Issuer: i.issuer, Time: i.now()}, 0); err != nil {
		if errors.Is(err, gojwt.ErrExpired) {
			return nil, domain.ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrTokenMalformed, err)
	}

	present, blacklisted, err := i.sessions.AccessState(ctx, claims.JTI)
	if err != nil {
		return nil, fmt.Errorf("check access token: %w", err)
	}
	if !present || blacklisted {
		return nil, domain.ErrTokenRevoked
	}
	return claims, nil
}

// RevokeByToken blacklists the token for its remaining lifetime and drops its
// session records. Expiry is not enforced, the signature is.
func (i *Issuer) RevokeByToken(ctx context.Context, token string) (*Claims, error) {
	ctx, span := i.tracer.Start(ctx, "Issuer.RevokeByToken")
	defer span.End()

	claims, _, err := i.verify(token)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := i.RevokeJTI(ctx, claims.UserID, claims.JTI, claims.ExpiresAt); err != nil {
		span.RecordError(err)
		return claims, err
	}
	return claims, nil
}

// RevokeJTI blacklists jti until expiresAt and removes its session records.
// A zero expiresAt falls back to the shadow record, then to a full access lifetime.
func (i *Issuer) RevokeJTI(ctx context.Context, userID int64, jti string, expiresAt time.Time) error {
	if expiresAt.IsZero() {
		if session, err := i.sessions.GetAccess(ctx, jti); err == nil && session != nil {
			expiresAt = session.ExpiresAt
		} else {
			expiresAt = i.now().Add(i.accessTTL)
		}
	}
	var errs []error
	if remaining := expiresAt.Sub(i.now()); remaining > 0 {
		if err := i.sessions.Blacklist(ctx, jti, remaining); err != nil {
			errs = append(errs, err)
		}
	}
	if err := i.sessions.RemoveAccess(ctx, userID, jti); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (i *Issuer) verify(token string) (*Claims, *gojwt.Claims, error) {
	parsed, err := gojwt.ParseSigned(token, []gojose.SignatureAlgorithm{i.key.Algorithm})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrTokenMalformed, err)
	}
	var (
		std    gojwt.Claims
		custom AccessClaims
	)
	if err := parsed.Claims(i.key.Secret, &std, &custom); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrTokenMalformed, err)
	}
	if std.ID == "" || std.Expiry == nil {
		return nil, nil, fmt.Errorf("%w: missing jti or exp", domain.ErrTokenMalformed)
	}
	claims := &Claims{
		JTI:          std.ID,
		Subject:      std.Subject,
		ExpiresAt:    std.Expiry.Time(),
		AccessClaims: custom,
	}
	if std.IssuedAt != nil {
		claims.IssuedAt = std.IssuedAt.Time()
	}
	return claims, &std, nil
}

func validationOutcome(err error) string {
	if err == nil {
		return "valid"
	}
	return domain.FailureKind(err)
}
