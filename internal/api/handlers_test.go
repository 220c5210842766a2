package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/storefront/voice-addon-service/internal/app"
	"github.com/storefront/voice-addon-service/internal/domain"
	"github.com/storefront/voice-addon-service/internal/store"
	"github.com/storefront/voice-addon-service/pkg/vapiclient"
)

const (
	testInternalKey   = "internal-key"
	testWebhookSecret = "whsec"
	testKID           = "test-kid"
)

type provisionerStub struct {
	mu sync.Mutex
	n  int
}

func (p *provisionerStub) CreateAssistant(ctx context.Context, cfg vapiclient.AssistantConfig) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	return fmt.Sprintf("asst_%d", p.n), nil
}

func (p *provisionerStub) CreatePhoneBinding(ctx context.Context, cfg vapiclient.PhoneBindingConfig) (string, error) {
	return "pn_" + cfg.AssistantID, nil
}

func (p *provisionerStub) DeleteAssistant(ctx context.Context, assistantID string) error { return nil }

func (p *provisionerStub) DeletePhoneBinding(ctx context.Context, bindingID string) error { return nil }

type paymentStub map[string]*domain.Payment

func (p paymentStub) GetPayment(ctx context.Context, reference string) (*domain.Payment, error) {
	if payment, ok := p[reference]; ok {
		return payment, nil
	}
	return nil, fmt.Errorf("payment %s not found", reference)
}

type testServer struct {
	repo    *store.MemoryRepository
	service *app.Service
	key     *rsa.PrivateKey
	server  *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	repo := store.NewMemoryRepository()
	repo.AddStore(domain.Store{ID: "store-1", Name: "Corner Shop", OwnerClerkID: "user_1"})
	repo.AddDIDs(context.Background(), []string{"+15550000001", "+15550000002"})

	payments := paymentStub{
		"pay_1": {Reference: "pay_1", StoreID: "store-1", Status: domain.PaymentStatusApproved},
	}
	service := app.NewService(repo, &provisionerStub{}, payments, app.NewNotifier(repo, nil, "", logger), logger, app.Options{
		Plan:             domain.Plan{MonthlyFee: 2000, Currency: "USD", MinutesIncluded: 2},
		ArchiveBatchSize: 100,
	})
	jobs := app.NewJobs(service, nil, logger, 2)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]string{{
				"kid": testKID,
				"kty": "RSA",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		})
	}))
	t.Cleanup(jwks.Close)

	router := NewRouter(NewHandler(service, jobs, logger), RouterConfig{
		Keys:           NewKeySet(jwks.URL),
		InternalKey:    testInternalKey,
		WebhookSecret:  testWebhookSecret,
		AllowedOrigins: []string{"*"},
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testServer{repo: repo, service: service, key: key, server: server}
}

func (s *testServer) token(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	token.Header["kid"] = testKID
	signed, err := token.SignedString(s.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, headers map[string]string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	decoded := map[string]interface{}{}
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, raw)
		}
	}
	return resp, decoded
}

func (s *testServer) seller(t *testing.T) map[string]string {
	return map[string]string{"Authorization": "Bearer " + s.token(t, "user_1")}
}

func internalHeaders() map[string]string {
	return map[string]string{"X-Internal-API-Key": testInternalKey}
}

func TestSellerRoutes_RequireBearerToken(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.do(t, http.MethodGet, "/voice-addon/status", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized || body["code"] != "UNAUTHORIZED" {
		t.Fatalf("expected 401, got %d %v", resp.StatusCode, body)
	}
	resp, _ = s.do(t, http.MethodGet, "/voice-addon/status", nil, map[string]string{"Authorization": "Bearer not-a-jwt"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for malformed token, got %d", resp.StatusCode)
	}
}

func TestSellerEnableStatusAndRenew(t *testing.T) {
	s := newTestServer(t)
	headers := s.seller(t)

	resp, body := s.do(t, http.MethodGet, "/voice-addon/status", nil, headers)
	if resp.StatusCode != http.StatusOK || body["enabled"] != false {
		t.Fatalf("expected disabled status before enable, got %d %v", resp.StatusCode, body)
	}

	resp, body = s.do(t, http.MethodPost, "/voice-addon/enable", nil, headers)
	if resp.StatusCode != http.StatusCreated || body["status"] != "active" {
		t.Fatalf("expected 201 active, got %d %v", resp.StatusCode, body)
	}

	resp, body = s.do(t, http.MethodPost, "/voice-addon/enable", nil, headers)
	if resp.StatusCode != http.StatusConflict || body["code"] != "ALREADY_ENABLED" {
		t.Fatalf("expected ALREADY_ENABLED, got %d %v", resp.StatusCode, body)
	}

	resp, body = s.do(t, http.MethodPost, "/voice-addon/renew", map[string]string{"payment_reference": "pay_1"}, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected renewal to succeed, got %d %v", resp.StatusCode, body)
	}
	resp, body = s.do(t, http.MethodPost, "/voice-addon/renew", map[string]string{"payment_reference": "pay_1"}, headers)
	if resp.StatusCode != http.StatusConflict || body["code"] != "ALREADY_USED" {
		t.Fatalf("expected ALREADY_USED, got %d %v", resp.StatusCode, body)
	}
	resp, body = s.do(t, http.MethodPost, "/voice-addon/renew", map[string]string{}, headers)
	if resp.StatusCode != http.StatusBadRequest || body["code"] != "INVALID_REQUEST" {
		t.Fatalf("expected INVALID_REQUEST, got %d %v", resp.StatusCode, body)
	}
}

func TestSellerWithoutStore(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.do(t, http.MethodPost, "/voice-addon/enable", nil, map[string]string{"Authorization": "Bearer " + s.token(t, "user_unknown")})
	if resp.StatusCode != http.StatusNotFound || body["code"] != "STORE_NOT_FOUND" {
		t.Fatalf("expected STORE_NOT_FOUND, got %d %v", resp.StatusCode, body)
	}
}

func TestInternalRoutes(t *testing.T) {
	s := newTestServer(t)

	resp, _ := s.do(t, http.MethodGet, "/internal/voice-addon/dids/stats", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", resp.StatusCode)
	}

	resp, body := s.do(t, http.MethodPost, "/internal/voice-addon/dids", map[string][]string{"phone_numbers": {"+15550000003", "+15550000001"}}, internalHeaders())
	if resp.StatusCode != http.StatusOK || body["added"] != float64(1) {
		t.Fatalf("expected one new number, got %d %v", resp.StatusCode, body)
	}

	resp, body = s.do(t, http.MethodPost, "/internal/voice-addon/stores/store-1/enable", nil, internalHeaders())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected enable to succeed, got %d %v", resp.StatusCode, body)
	}

	resp, body = s.do(t, http.MethodGet, "/internal/voice-addon/dids/stats", nil, internalHeaders())
	if resp.StatusCode != http.StatusOK || body["total"] != float64(3) || body["assigned"] != float64(1) {
		t.Fatalf("unexpected pool stats: %d %v", resp.StatusCode, body)
	}

	resp, body = s.do(t, http.MethodPost, "/internal/voice-addon/stores/store-1/teardown", nil, internalHeaders())
	if resp.StatusCode != http.StatusOK || body["marked_expired"] != true {
		t.Fatalf("expected teardown report, got %d %v", resp.StatusCode, body)
	}

	resp, body = s.do(t, http.MethodGet, "/internal/voice-addon/stores/store-1/status", nil, internalHeaders())
	if resp.StatusCode != http.StatusOK || body["status"] != "expired" {
		t.Fatalf("expected expired status, got %d %v", resp.StatusCode, body)
	}

	resp, body = s.do(t, http.MethodPost, "/internal/voice-addon/sweep/run", nil, internalHeaders())
	if resp.StatusCode != http.StatusOK || body["locked"] != true {
		t.Fatalf("expected sweep result, got %d %v", resp.StatusCode, body)
	}
}

func TestEnable_EmptyPoolReportsResourceExhausted(t *testing.T) {
	s := newTestServer(t)
	s.repo.AddStore(domain.Store{ID: "store-2", OwnerClerkID: "user_2"})
	s.repo.AddStore(domain.Store{ID: "store-3", OwnerClerkID: "user_3"})

	s.do(t, http.MethodPost, "/internal/voice-addon/stores/store-1/enable", nil, internalHeaders())
	s.do(t, http.MethodPost, "/internal/voice-addon/stores/store-2/enable", nil, internalHeaders())
	resp, body := s.do(t, http.MethodPost, "/internal/voice-addon/stores/store-3/enable", nil, internalHeaders())

	if resp.StatusCode != http.StatusServiceUnavailable || body["code"] != "RESOURCE_EXHAUSTED" {
		t.Fatalf("expected RESOURCE_EXHAUSTED, got %d %v", resp.StatusCode, body)
	}
	if body["error"] != "no phone numbers available" {
		t.Fatalf("expected human readable message, got %v", body["error"])
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	resp, _ := s.do(t, http.MethodGet, "/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
