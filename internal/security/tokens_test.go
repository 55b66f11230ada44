package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClaims(exp time.Time) Claims {
	now := time.Now().UTC().Truncate(time.Second)
	return NewClaims("user-1", "pm@ultrabms.test", "Priya Manager", RolePropertyManager,
		[]string{"invoices:read", "workorders:write"}, now, exp.Truncate(time.Second))
}

func TestDecode_Roundtrip(t *testing.T) {
	cases := []struct {
		name   string
		claims Claims
	}{
		{"property manager", testClaims(time.Now().Add(15 * time.Minute))},
		{"tenant without permissions", NewClaims("t-9", "t@ultrabms.test", "", RoleTenant, nil,
			time.Time{}, time.Now().Add(time.Hour).Truncate(time.Second))},
		{"already expired", testClaims(time.Now().Add(-time.Hour))},
		{"unknown role", NewClaims("u-2", "x@ultrabms.test", "X", Role("AUDITOR"), []string{"audit:read"},
			time.Time{}, time.Now().Add(time.Minute).Truncate(time.Second))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			token, err := EncodeTestToken(tc.claims)
			require.NoError(t, err)

			got, err := Decode(token)
			require.NoError(t, err)
			assert.Equal(t, tc.claims.Subject, got.Subject)
			assert.Equal(t, tc.claims.Role, got.Role)
			assert.Equal(t, tc.claims.Email, got.Email)
			assert.True(t, tc.claims.ExpiresAt.Equal(got.ExpiresAt), "exp %v != %v", got.ExpiresAt, tc.claims.ExpiresAt)
			assert.ElementsMatch(t, tc.claims.Permissions(), got.Permissions())
			assert.True(t, tc.claims.SameIdentity(got))
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	for _, token := range []string{"", "   ", "invalid-token", "a.b.c", "a.b"} {
		_, err := Decode(token)
		require.Error(t, err, "token %q", token)
		assert.ErrorIs(t, err, ErrInvalidToken)
		var de *DecodeError
		assert.True(t, errors.As(err, &de))
	}
}

func TestDecode_MissingClaims(t *testing.T) {
	enc := base64.RawURLEncoding
	header := enc.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))

	noSub := header + "." + enc.EncodeToString([]byte(`{"exp":4102444800,"role":"TENANT"}`)) + ".sig"
	_, err := Decode(noSub)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Contains(t, err.Error(), "sub")

	noExp := header + "." + enc.EncodeToString([]byte(`{"sub":"u1","role":"TENANT"}`)) + ".sig"
	_, err = Decode(noExp)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Contains(t, err.Error(), "exp")
}

func TestDecode_UnverifiedAcceptsAnySignature(t *testing.T) {
	enc := base64.RawURLEncoding
	token := enc.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`)) + "." +
		enc.EncodeToString([]byte(`{"sub":"u1","role":"VENDOR","permissions":["vendors:self"],"exp":4102444800}`)) +
		".not-a-signature"

	c, err := Decode(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", c.Subject)
	assert.Equal(t, RoleVendor, c.Role)
	assert.True(t, c.HasPermission("vendors:self"))
}

func TestTokenCodec_VerifiesSignature(t *testing.T) {
	codec, err := NewTestTokenCodec()
	require.NoError(t, err)

	token, err := EncodeTestToken(testClaims(time.Now().Add(time.Minute)))
	require.NoError(t, err)
	c, err := codec.Decode(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", c.Subject)

	expired, err := EncodeTestToken(testClaims(time.Now().Add(-time.Minute)))
	require.NoError(t, err)
	_, err = codec.Decode(expired)
	assert.NoError(t, err, "expired tokens must still decode")

	tampered := token[:len(token)-4] + "AAAA"
	_, err = codec.Decode(tampered)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenCodec_WrongKey(t *testing.T) {
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&ecKey.PublicKey)
	require.NoError(t, err)
	pub, err := ParsePublicKey(string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})))
	require.NoError(t, err)

	token, err := EncodeTestToken(testClaims(time.Now().Add(time.Minute)))
	require.NoError(t, err)
	_, err = NewTokenCodec(pub).Decode(token)
	assert.ErrorIs(t, err, ErrInvalidToken, "RS256 token must be rejected by an ECDSA codec")
}

func TestIsExpired_Monotonic(t *testing.T) {
	exp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewClaims("u", "", "", RoleTenant, nil, time.Time{}, exp)
	skew := DefaultSkew

	flipped := false
	prev := time.Duration(1<<62 - 1)
	for now := exp.Add(-time.Minute); now.Before(exp.Add(time.Minute)); now = now.Add(time.Second) {
		remaining := TimeRemaining(c, now)
		assert.LessOrEqual(t, remaining, prev, "TimeRemaining must not increase")
		assert.GreaterOrEqual(t, remaining, time.Duration(0))
		prev = remaining

		expired := IsExpired(c, now, skew)
		assert.Equal(t, !now.Add(skew).Before(exp), expired, "at %v", now)
		if flipped {
			assert.True(t, expired, "IsExpired reverted to false at %v", now)
		}
		flipped = flipped || expired
	}
	assert.True(t, flipped)
}

func TestIsExpired_SkewBoundary(t *testing.T) {
	exp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewClaims("u", "", "", RoleTenant, nil, time.Time{}, exp)

	assert.False(t, IsExpired(c, exp.Add(-6*time.Second), 5*time.Second))
	assert.True(t, IsExpired(c, exp.Add(-5*time.Second), 5*time.Second))
	assert.False(t, IsExpired(c, exp.Add(-time.Nanosecond), 0))
	assert.True(t, IsExpired(c, exp, 0))
}

func TestTimeRemaining_ClampsAtZero(t *testing.T) {
	exp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewClaims("u", "", "", RoleTenant, nil, time.Time{}, exp)

	assert.Equal(t, 4*time.Minute, TimeRemaining(c, exp.Add(-4*time.Minute)))
	assert.Equal(t, time.Duration(0), TimeRemaining(c, exp))
	assert.Equal(t, time.Duration(0), TimeRemaining(c, exp.Add(time.Hour)))
}

func TestClaims_Immutable(t *testing.T) {
	perms := []string{"invoices:read"}
	c := NewClaims("u", "", "", RoleFinanceManager, perms, time.Time{}, time.Now())
	perms[0] = "tampered"
	assert.Equal(t, []string{"invoices:read"}, c.Permissions())

	out := c.Permissions()
	out[0] = "tampered"
	assert.True(t, c.HasPermission("invoices:read"))
}

func TestClaims_SameIdentity(t *testing.T) {
	exp := time.Now()
	a := NewClaims("u", "e", "n", RoleTenant, []string{"a"}, time.Time{}, exp)
	assert.True(t, a.SameIdentity(NewClaims("u", "e", "n", RoleTenant, []string{"a"}, exp, exp.Add(time.Hour))))
	assert.False(t, a.SameIdentity(NewClaims("u", "e", "n", RoleVendor, []string{"a"}, time.Time{}, exp)))
	assert.False(t, a.SameIdentity(NewClaims("u", "e", "n", RoleTenant, []string{"a", "b"}, time.Time{}, exp)))
}

func TestRole_Known(t *testing.T) {
	assert.True(t, RoleSuperAdmin.Known())
	assert.True(t, RoleVendor.Known())
	assert.False(t, Role("AUDITOR").Known())
	assert.False(t, Role("").Known())
}
