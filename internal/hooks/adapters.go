package hooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bifrosthq/bifrost/internal/domain/models"
	"github.com/bifrosthq/bifrost/internal/pkg/httpclient"
)

// Event source kinds. Kind selects the verification adapter applied to
// inbound requests for that source.
const (
	KindHMACSHA256 = "hmac_sha256"
	KindHMACSHA1   = "hmac_sha1"
	KindToken      = "token"
	KindLease      = "lease"
)

var (
	ErrVerificationFailed = errors.New("event source verification failed")
	ErrUnknownKind        = errors.New("unknown event source kind")
)

// Adapter authenticates inbound requests for one source kind. A nil error
// from Verify means the payload genuinely came from the source.
type Adapter interface {
	Verify(source *models.EventSource, header http.Header, body []byte) error
}

// Renewer is implemented by adapters whose upstream registration is a lease
// that expires and can be extended.
type Renewer interface {
	Renew(ctx context.Context, source *models.EventSource) (time.Time, error)
}

// AdapterSet maps source kinds to their adapters.
type AdapterSet struct {
	byKind map[string]Adapter
}

// DefaultAdapters returns the built-in adapter set.
func DefaultAdapters() *AdapterSet {
	return &AdapterSet{byKind: map[string]Adapter{
		KindHMACSHA256: &hmacAdapter{newHash: sha256.New, header: "X-Hub-Signature-256", prefix: "sha256="},
		KindHMACSHA1:   &hmacAdapter{newHash: sha1.New, header: "X-Hub-Signature", prefix: "sha1="},
		KindToken:      &tokenAdapter{},
		KindLease:      &leaseAdapter{client: httpclient.Default()},
	}}
}

func (s *AdapterSet) For(kind string) (Adapter, error) {
	adapter, ok := s.byKind[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return adapter, nil
}

// hmacAdapter checks an HMAC digest over the raw body, carried in a header
// with an algorithm prefix. Defaults follow the common webhook convention;
// sources can override the header name, prefix and digest encoding through
// their config.
type hmacAdapter struct {
	newHash func() hash.Hash
	header  string
	prefix  string
}

func (a *hmacAdapter) Verify(source *models.EventSource, header http.Header, body []byte) error {
	if source.Secret == "" {
		return fmt.Errorf("%w: source has no secret", ErrVerificationFailed)
	}
	headerName := configString(source.Config, "signature_header", a.header)
	prefix := configString(source.Config, "signature_prefix", a.prefix)

	got := header.Get(headerName)
	if got == "" {
		return fmt.Errorf("%w: missing %s header", ErrVerificationFailed, headerName)
	}
	if prefix != "" {
		if !strings.HasPrefix(got, prefix) {
			return fmt.Errorf("%w: malformed signature", ErrVerificationFailed)
		}
		got = strings.TrimPrefix(got, prefix)
	}

	mac := hmac.New(a.newHash, []byte(source.Secret))
	mac.Write(body)
	sum := mac.Sum(nil)

	var want string
	switch configString(source.Config, "encoding", "hex") {
	case "base64":
		want = base64.StdEncoding.EncodeToString(sum)
	default:
		want = hex.EncodeToString(sum)
	}

	if !hmac.Equal([]byte(want), []byte(got)) {
		return fmt.Errorf("%w: signature mismatch", ErrVerificationFailed)
	}
	return nil
}

// tokenAdapter matches a shared token header against the source secret.
// The secret may hold several comma separated tokens so a token can be
// rotated without a window where the old one stops working.
type tokenAdapter struct{}

func (a *tokenAdapter) Verify(source *models.EventSource, header http.Header, _ []byte) error {
	got := header.Get(configString(source.Config, "token_header", "X-Source-Token"))
	if got == "" {
		return fmt.Errorf("%w: missing token header", ErrVerificationFailed)
	}
	for _, token := range strings.Split(source.Secret, ",") {
		token = strings.TrimSpace(token)
		if token != "" && hmac.Equal([]byte(token), []byte(got)) {
			return nil
		}
	}
	return fmt.Errorf("%w: token not recognized", ErrVerificationFailed)
}

// leaseAdapter covers sources whose upstream registration must be renewed
// before it lapses. Inbound requests carry a shared token; renewal POSTs to
// the configured URL with the secret as bearer and reads the new expiry
// from the response.
type leaseAdapter struct {
	tokenAdapter
	client *httpclient.Client
}

func (a *leaseAdapter) Renew(ctx context.Context, source *models.EventSource) (time.Time, error) {
	renewURL := configString(source.Config, "renew_url", "")
	if renewURL == "" {
		return time.Time{}, errors.New("lease source has no renew_url configured")
	}

	payload, err := json.Marshal(map[string]string{"source_id": source.ID.String()})
	if err != nil {
		return time.Time{}, err
	}
	resp, err := a.client.NewRequest(http.MethodPost, renewURL).
		Header("Authorization", "Bearer "+source.Secret).
		Header("Content-Type", "application/json").
		Body(bytes.NewReader(payload)).
		Do(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("renewing lease: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return time.Time{}, fmt.Errorf("renewing lease: upstream returned %d", resp.StatusCode)
	}

	var out struct {
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&out); err != nil {
		return time.Time{}, fmt.Errorf("decoding renewal response: %w", err)
	}
	if out.ExpiresAt.IsZero() {
		return time.Time{}, errors.New("renewal response carried no expires_at")
	}
	return out.ExpiresAt, nil
}

func configString(cfg models.JSON, key, fallback string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
