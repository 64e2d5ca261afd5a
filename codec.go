package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
)

const tokenSegments = 3

// segmentParser only decodes base64url segments, it never validates claims.
var segmentParser = jwt.NewParser(jwt.WithPaddingAllowed())

// Decode splits raw into header.payload.signature and decodes the payload.
// It does not verify the signature, see Codec for that.
func Decode(raw string) (*Credential, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != tokenSegments {
		return nil, newError(ErrMalformedToken, map[string]any{
			"segments": len(parts),
		})
	}

	for i, part := range parts {
		if part == "" {
			return nil, newError(ErrMalformedToken, map[string]any{
				"empty_segment": i,
			})
		}
	}

	payload, err := segmentParser.DecodeSegment(parts[1])
	if err != nil {
		return nil, unparsable(err)
	}

	claims, err := decodeClaims(payload)
	if err != nil {
		return nil, unparsable(err)
	}

	return &Credential{Raw: raw, Claims: claims}, nil
}

// maxClaimSeconds is 9999-12-31T23:59:59Z. Larger exp values are clamped so
// the conversion to time.Time cannot overflow.
const maxClaimSeconds = 253402300799

// decodeClaims requires a numeric exp. Other claims are read when they have
// the expected JSON type and ignored otherwise.
func decodeClaims(payload []byte) (Claims, error) {
	var fields map[string]any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return Claims{}, err
	}

	if fields == nil {
		return Claims{}, fmt.Errorf("payload is not a JSON object")
	}

	exp, ok := fields["exp"].(json.Number)
	if !ok {
		return Claims{}, fmt.Errorf("missing numeric exp claim")
	}

	expiresAt, ok := numericDate(exp)
	if !ok {
		return Claims{}, fmt.Errorf("exp claim %q is not a number", exp)
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    stringClaim(fields["iss"]),
			Subject:   idClaim(fields["sub"]),
			Audience:  audienceClaim(fields["aud"]),
			ExpiresAt: expiresAt,
			NotBefore: dateClaim(fields["nbf"]),
			IssuedAt:  dateClaim(fields["iat"]),
			ID:        idClaim(fields["jti"]),
		},
		UID:      idClaim(fields["uid"]),
		UserRole: stringClaim(fields["role"]),
	}

	return claims, nil
}

func numericDate(n json.Number) (*jwt.NumericDate, bool) {
	secs, err := n.Float64()
	if err != nil && !math.IsInf(secs, 0) {
		return nil, false
	}

	secs = math.Max(-maxClaimSeconds, math.Min(secs, maxClaimSeconds))
	whole, frac := math.Modf(secs)
	return jwt.NewNumericDate(time.Unix(int64(whole), int64(frac*1e9))), true
}

func dateClaim(v any) *jwt.NumericDate {
	n, ok := v.(json.Number)
	if !ok {
		return nil
	}
	date, _ := numericDate(n)
	return date
}

func stringClaim(v any) string {
	s, _ := v.(string)
	return s
}

// idClaim accepts string ids and integer ids such as a numeric sub.
func idClaim(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case json.Number:
		return id.String()
	default:
		return ""
	}
}

func audienceClaim(v any) jwt.ClaimStrings {
	switch aud := v.(type) {
	case string:
		return jwt.ClaimStrings{aud}
	case []any:
		out := make(jwt.ClaimStrings, 0, len(aud))
		for _, item := range aud {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func unparsable(err error) error {
	return newError(ErrUnparsableClaims, map[string]any{
		metadataDecodeFailureKey: err.Error(),
	})
}

// IsExpired reports whether the credential expired at or before now.
// There is no grace window.
func IsExpired(c *Credential, now time.Time) bool {
	if c == nil {
		return true
	}
	return !c.ExpiresAt().After(now)
}

// SigningKey holds a verification key and the algorithm it accepts
type SigningKey struct {
	JWTAlg string
	Key    any
}

// Codec decodes credentials and optionally verifies their signature.
type Codec struct {
	keyFunc jwt.Keyfunc
	jwksURL string
	jwks    *keyfunc.JWKS
	now     Clock
	logger  Logger
}

// CodecOption configures a Codec
type CodecOption func(*Codec)

// WithSigningKey verifies credentials against a single key.
func WithSigningKey(key SigningKey) CodecOption {
	return func(c *Codec) {
		c.keyFunc = signingKeyFunc(key)
	}
}

// WithSigningKeys verifies credentials against keys selected by the kid header.
func WithSigningKeys(keys map[string]SigningKey) CodecOption {
	return func(c *Codec) {
		if len(keys) == 0 {
			return
		}
		given := make(map[string]keyfunc.GivenKey, len(keys))
		for kid, key := range keys {
			given[kid] = keyfunc.NewGivenCustom(key.Key, keyfunc.GivenKeyOptions{
				Algorithm: key.JWTAlg,
			})
		}
		c.keyFunc = keyfunc.NewGiven(given).Keyfunc
	}
}

// WithJWKSetURL verifies credentials against a remote JWK set.
// The set is fetched when the codec is built.
func WithJWKSetURL(url string) CodecOption {
	return func(c *Codec) {
		c.jwksURL = url
	}
}

// WithKeyFunc installs a custom verification key lookup.
func WithKeyFunc(fn jwt.Keyfunc) CodecOption {
	return func(c *Codec) {
		if fn != nil {
			c.keyFunc = fn
		}
	}
}

// WithCodecClock overrides the clock used by Validate.
func WithCodecClock(clock Clock) CodecOption {
	return func(c *Codec) {
		if clock != nil {
			c.now = clock
		}
	}
}

// WithCodecLogger sets the logger used for verification failures.
func WithCodecLogger(logger Logger) CodecOption {
	return func(c *Codec) {
		c.logger = normalizeLogger(logger)
	}
}

// NewCodec builds a Codec. Without key options it only decodes.
func NewCodec(opts ...CodecOption) (*Codec, error) {
	c := &Codec{
		now:    time.Now,
		logger: defLogger{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	if c.jwksURL != "" {
		jwks, err := keyfunc.Get(c.jwksURL, c.keyfuncOptions())
		if err != nil {
			return nil, fmt.Errorf("failed to get JWK set %s: %w", c.jwksURL, err)
		}
		c.jwks = jwks
		c.keyFunc = jwks.Keyfunc
	}

	return c, nil
}

// Close stops the background JWK set refresh, if any.
func (c *Codec) Close() {
	if c != nil && c.jwks != nil {
		c.jwks.EndBackground()
	}
}

// Verifies reports whether the codec checks signatures
func (c *Codec) Verifies() bool {
	return c != nil && c.keyFunc != nil
}

// Decode decodes raw and, when keys are configured, verifies its signature.
// Signature failures are reported as ErrMalformedToken.
func (c *Codec) Decode(raw string) (*Credential, error) {
	cred, err := Decode(raw)
	if err != nil {
		return nil, err
	}

	if !c.Verifies() {
		return cred, nil
	}

	parser := jwt.NewParser(jwt.WithoutClaimsValidation(), jwt.WithPaddingAllowed())
	if _, err := parser.Parse(raw, c.keyFunc); err != nil {
		c.logger.Warn("credential signature rejected: %v", err)
		return nil, newError(ErrMalformedToken, map[string]any{
			"signature": err.Error(),
		})
	}

	return cred, nil
}

// Validate decodes raw and rejects it when expired.
func (c *Codec) Validate(raw string) (*Credential, error) {
	cred, err := c.Decode(raw)
	if err != nil {
		return nil, err
	}

	if IsExpired(cred, c.now()) {
		return nil, newError(ErrTokenExpired, map[string]any{
			"expires_at": cred.ExpiresAt(),
		})
	}

	return cred, nil
}

func (c *Codec) keyfuncOptions() keyfunc.Options {
	return keyfunc.Options{
		RefreshErrorHandler: func(err error) {
			c.logger.Error("failed to do a background refresh of JWT set: %s", err)
		},
		RefreshInterval:   time.Hour,
		RefreshRateLimit:  time.Minute * 5,
		RefreshTimeout:    time.Second * 10,
		RefreshUnknownKID: true,
	}
}

func signingKeyFunc(key SigningKey) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if key.JWTAlg != "" {
			alg, ok := token.Header["alg"].(string)
			if !ok {
				return nil, fmt.Errorf("unexpected JWT signing method: expected %q got: missing json type", key.JWTAlg)
			}
			if alg != key.JWTAlg {
				return nil, fmt.Errorf("unexpected jwt signing method: expected: %q: got: %q", key.JWTAlg, alg)
			}
		}
		return key.Key, nil
	}
}
