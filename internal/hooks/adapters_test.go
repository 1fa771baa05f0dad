package hooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bifrosthq/bifrost/internal/domain/models"
	"github.com/bifrosthq/bifrost/internal/pkg/httpclient"
)

func signSHA256(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestHMACAdapter(t *testing.T) {
	adapter := &hmacAdapter{newHash: sha256.New, header: "X-Hub-Signature-256", prefix: "sha256="}
	source := &models.EventSource{ID: uuid.New(), Kind: KindHMACSHA256, Secret: "s3cret"}
	body := []byte(`{"action":"opened","number":7}`)

	t.Run("accepts a valid signature", func(t *testing.T) {
		header := http.Header{}
		header.Set("X-Hub-Signature-256", "sha256="+signSHA256("s3cret", body))
		assert.NoError(t, adapter.Verify(source, header, body))
	})

	t.Run("rejects a tampered body", func(t *testing.T) {
		header := http.Header{}
		header.Set("X-Hub-Signature-256", "sha256="+signSHA256("s3cret", body))
		err := adapter.Verify(source, header, []byte(`{"action":"closed"}`))
		assert.ErrorIs(t, err, ErrVerificationFailed)
	})

	t.Run("rejects a missing header", func(t *testing.T) {
		err := adapter.Verify(source, http.Header{}, body)
		assert.ErrorIs(t, err, ErrVerificationFailed)
	})

	t.Run("rejects a signature without the prefix", func(t *testing.T) {
		header := http.Header{}
		header.Set("X-Hub-Signature-256", signSHA256("s3cret", body))
		err := adapter.Verify(source, header, body)
		assert.ErrorIs(t, err, ErrVerificationFailed)
	})

	t.Run("rejects when the source has no secret", func(t *testing.T) {
		bare := &models.EventSource{ID: uuid.New(), Kind: KindHMACSHA256}
		header := http.Header{}
		header.Set("X-Hub-Signature-256", "sha256="+signSHA256("", body))
		err := adapter.Verify(bare, header, body)
		assert.ErrorIs(t, err, ErrVerificationFailed)
	})

	t.Run("source config overrides header and prefix", func(t *testing.T) {
		custom := &models.EventSource{
			ID:     uuid.New(),
			Kind:   KindHMACSHA256,
			Secret: "s3cret",
			Config: models.JSON{"signature_header": "X-Signature", "signature_prefix": ""},
		}
		header := http.Header{}
		header.Set("X-Signature", signSHA256("s3cret", body))
		assert.NoError(t, adapter.Verify(custom, header, body))
	})
}

func TestTokenAdapter(t *testing.T) {
	adapter := &tokenAdapter{}
	source := &models.EventSource{ID: uuid.New(), Kind: KindToken, Secret: "tok-a, tok-b"}

	t.Run("accepts any token in the allowlist", func(t *testing.T) {
		for _, token := range []string{"tok-a", "tok-b"} {
			header := http.Header{}
			header.Set("X-Source-Token", token)
			assert.NoError(t, adapter.Verify(source, header, nil))
		}
	})

	t.Run("rejects an unknown token", func(t *testing.T) {
		header := http.Header{}
		header.Set("X-Source-Token", "tok-c")
		assert.ErrorIs(t, adapter.Verify(source, header, nil), ErrVerificationFailed)
	})

	t.Run("rejects a missing token", func(t *testing.T) {
		assert.ErrorIs(t, adapter.Verify(source, http.Header{}, nil), ErrVerificationFailed)
	})

	t.Run("reads the configured header", func(t *testing.T) {
		custom := &models.EventSource{
			ID:     uuid.New(),
			Secret: "tok-a",
			Config: models.JSON{"token_header": "X-Auth"},
		}
		header := http.Header{}
		header.Set("X-Auth", "tok-a")
		assert.NoError(t, adapter.Verify(custom, header, nil))
	})
}

func TestLeaseAdapterRenew(t *testing.T) {
	t.Run("posts the bearer secret and reads the new expiry", func(t *testing.T) {
		want := time.Now().Add(72 * time.Hour).UTC().Truncate(time.Second)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "Bearer lease-secret", r.Header.Get("Authorization"))
			json.NewEncoder(w).Encode(map[string]string{"expires_at": want.Format(time.RFC3339)})
		}))
		defer srv.Close()

		adapter := &leaseAdapter{client: httpclient.Default()}
		source := &models.EventSource{
			ID:     uuid.New(),
			Kind:   KindLease,
			Secret: "lease-secret",
			Config: models.JSON{"renew_url": srv.URL},
		}

		got, err := adapter.Renew(context.Background(), source)
		require.NoError(t, err)
		assert.WithinDuration(t, want, got, time.Second)
	})

	t.Run("fails on an upstream error status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))
		defer srv.Close()

		adapter := &leaseAdapter{client: httpclient.Default()}
		source := &models.EventSource{ID: uuid.New(), Secret: "x", Config: models.JSON{"renew_url": srv.URL}}
		_, err := adapter.Renew(context.Background(), source)
		assert.Error(t, err)
	})

	t.Run("fails without a renew_url", func(t *testing.T) {
		adapter := &leaseAdapter{client: httpclient.Default()}
		_, err := adapter.Renew(context.Background(), &models.EventSource{ID: uuid.New(), Secret: "x"})
		assert.Error(t, err)
	})
}

func TestDefaultAdapters(t *testing.T) {
	set := DefaultAdapters()
	for _, kind := range []string{KindHMACSHA256, KindHMACSHA1, KindToken, KindLease} {
		adapter, err := set.For(kind)
		require.NoError(t, err, kind)
		require.NotNil(t, adapter, kind)
	}

	_, err := set.For("carrier_pigeon")
	assert.ErrorIs(t, err, ErrUnknownKind)

	lease, err := set.For(KindLease)
	require.NoError(t, err)
	_, renews := lease.(Renewer)
	assert.True(t, renews, "lease adapter should renew")
}
