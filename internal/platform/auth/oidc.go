package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/omaree-johnson/myumrahesim-sub000/internal/platform/httpx"
)

// OIDCValidator guards internal routes with Google-signed OIDC tokens, as sent by
// Cloud Scheduler and Pub/Sub push subscriptions.
type OIDCValidator struct {
	cache   *JWKSCache
	logger  EventFunc
	now     func() time.Time
	outcome metric.Int64Counter
}

type OIDCOption func(*OIDCValidator)

func NewOIDCValidator(cache *JWKSCache, opts ...OIDCOption) *OIDCValidator {
	v := &OIDCValidator{
		cache:  cache,
		logger: func(context.Context, string, map[string]any) {},
		now:    time.Now,
	}
	v.instrument(otel.GetMeterProvider().Meter("myumrahesim/auth"))
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

func WithOIDCLogger(logger EventFunc) OIDCOption {
	return func(v *OIDCValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithOIDCMeter records verification outcomes on meter instead of the global provider.
func WithOIDCMeter(meter metric.Meter) OIDCOption {
	return func(v *OIDCValidator) {
		if meter != nil {
			v.instrument(meter)
		}
	}
}

func (v *OIDCValidator) instrument(meter metric.Meter) {
	v.outcome, _ = meter.Int64Counter("auth.oidc.verifications",
		metric.WithDescription("OIDC token verifications by outcome"))
}

// ServiceIdentity is the verified caller of an internal route.
type ServiceIdentity struct {
	Subject  string
	Email    string
	Issuer   string
	Audience string
}

type serviceIdentityContextKey struct{}

func WithServiceIdentity(ctx context.Context, identity *ServiceIdentity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, serviceIdentityContextKey{}, identity)
}

func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, ok := ctx.Value(serviceIdentityContextKey{}).(*ServiceIdentity)
	return identity, ok && identity != nil
}

// RequireOIDC rejects requests without a valid token for audience. When issuers is
// non-empty the token's iss claim must be one of them.
func (v *OIDCValidator) RequireOIDC(audience string, issuers []string) func(http.Handler) http.Handler {
	expectedAudience := strings.TrimSpace(audience)
	allowedIssuers := make(map[string]struct{}, len(issuers))
	for _, issuer := range issuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			allowedIssuers[issuer] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if expectedAudience == "" || v.cache == nil {
				v.reject(ctx, w, http.StatusServiceUnavailable, "verification_unavailable", "oidc verification not configured", nil)
				return
			}

			tokenStr := extractToken(r)
			if tokenStr == "" {
				v.reject(ctx, w, http.StatusUnauthorized, "token_missing", "oidc token missing", nil)
				return
			}

			claims := jwt.MapClaims{}
			parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
			if _, err := parser.ParseWithClaims(tokenStr, claims, v.cache.Keyfunc(ctx)); err != nil {
				if errors.Is(err, ErrJWKSFetchFailed) {
					v.reject(ctx, w, http.StatusServiceUnavailable, "jwks_unavailable", "oidc verification unavailable", err)
					return
				}
				v.reject(ctx, w, http.StatusUnauthorized, "token_invalid", "oidc token verification failed", err)
				return
			}

			issuer, _ := claims["iss"].(string)
			if len(allowedIssuers) > 0 {
				if _, ok := allowedIssuers[issuer]; !ok {
					v.reject(ctx, w, http.StatusUnauthorized, "issuer_mismatch", "oidc issuer mismatch", nil)
					return
				}
			}
			if !claims.VerifyAudience(expectedAudience, true) {
				v.reject(ctx, w, http.StatusUnauthorized, "audience_mismatch", "oidc audience mismatch", nil)
				return
			}

			subject, _ := claims["sub"].(string)
			email, _ := claims["email"].(string)
			v.record(ctx, "ok")
			next.ServeHTTP(w, r.WithContext(WithServiceIdentity(ctx, &ServiceIdentity{
				Subject:  subject,
				Email:    email,
				Issuer:   issuer,
				Audience: expectedAudience,
			})))
		})
	}
}

func (v *OIDCValidator) reject(ctx context.Context, w http.ResponseWriter, status int, reason, message string, err error) {
	fields := map[string]any{"reason": reason}
	if err != nil {
		fields["error"] = err.Error()
	}
	v.logger(ctx, "auth.oidc.reject.warn", fields)
	v.record(ctx, reason)
	code := "unauthenticated"
	if status == http.StatusServiceUnavailable {
		code = "verification_unavailable"
	}
	httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
}

func (v *OIDCValidator) record(ctx context.Context, outcome string) {
	if v.outcome != nil {
		v.outcome.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func extractToken(r *http.Request) string {
	if authz := strings.TrimSpace(r.Header.Get("Authorization")); authz != "" {
		scheme, token, ok := strings.Cut(authz, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-Goog-Iap-Jwt-Assertion"))
}
