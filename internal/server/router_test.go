package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/parleylabs/parley/internal/auth"
	"github.com/parleylabs/parley/internal/bus"
	"github.com/parleylabs/parley/internal/ledger"
	"github.com/parleylabs/parley/internal/signaling"
	"github.com/parleylabs/parley/internal/users"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeChain struct {
	mu       sync.Mutex
	contract ledger.ContractOffer
}

func (f *fakeChain) GetOfferStruct(context.Context, string, string) (ledger.ContractOffer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contract, nil
}

func (f *fakeChain) GetCreationEvent(context.Context, string, string, string, uint64) (*ledger.CreationEvent, error) {
	return nil, nil
}

func (f *fakeChain) setContract(contract ledger.ContractOffer) {
	f.mu.Lock()
	f.contract = contract
	f.mu.Unlock()
}

type fakeContent struct {
	profile json.RawMessage
}

func (f *fakeContent) FetchByHash(context.Context, string) (json.RawMessage, error) {
	return f.profile, nil
}

type serverFixture struct {
	t         *testing.T
	handler   http.Handler
	signaling *signaling.Service
	chain     *fakeChain

	buyerKey  *secp256k1.PrivateKey
	sellerKey *secp256k1.PrivateKey
	buyer     string
	seller    string
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&ledger.Offer{}, &users.Info{}, &users.Flag{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	f := &serverFixture{t: t, chain: &fakeChain{}}
	f.buyerKey = mustKey(t)
	f.sellerKey = mustKey(t)
	f.buyer = auth.PublicKeyAddress(f.buyerKey.PubKey())
	f.seller = auth.PublicKeyAddress(f.sellerKey.PubKey())
	f.chain.setContract(ledger.ContractOffer{
		Buyer:    f.buyer,
		Seller:   f.seller,
		Status:   ledger.StatusAccepted,
		Value:    "2000000000000000000",
		Refund:   "500000000000000000",
		Verifier: "0x3333333333333333333333333333333333333333",
	})

	adapter, err := ledger.NewAdapter(ledger.AdapterConfig{Database: db, Chain: f.chain})
	if err != nil {
		t.Fatalf("failed to build adapter: %v", err)
	}

	profile := json.RawMessage(fmt.Sprintf(`{"address":%q,"name":"caller"}`, f.buyer))
	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Content:  &fakeContent{profile: profile},
	})
	if err != nil {
		t.Fatalf("failed to build users service: %v", err)
	}

	verifier := auth.NewVerifier(auth.VerifierConfig{})
	signalingService, err := signaling.NewService(signaling.ServiceConfig{
		Bus:           bus.New(),
		Offers:        adapter,
		Users:         userService,
		Verifier:      verifier,
		MinCallAmount: 1,
		MinAPIVersion: 1,
	})
	if err != nil {
		t.Fatalf("failed to build signaling service: %v", err)
	}
	f.signaling = signalingService

	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("server-test-secret"),
		Issuer:        "parley-relay",
		Audience:      "parley-api",
	})

	handler, err := NewHTTPHandler(Dependencies{
		Signaling: signalingService,
		Users:     userService,
		Tokens:    issuer,
		Verifier:  verifier,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	f.handler = handler
	return f
}

func mustKey(t *testing.T) *secp256k1.PrivateKey {
	t.Helper()
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return key
}

// signedChallenge builds a connection challenge and its signature.
func signedChallenge(key *secp256k1.PrivateKey, walletToken string) (message, signature string, timestamp int64) {
	timestamp = time.Now().UnixMilli()
	message = fmt.Sprintf("connect %s at %d token %s", auth.CapabilityVideoMessage, timestamp, walletToken)
	signature = auth.SignMessage(key, message)
	return message, signature, timestamp
}

func (f *serverFixture) doJSON(method, path string, body string, header http.Header) *httptest.ResponseRecorder {
	f.t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	for key, values := range header {
		for _, value := range values {
			request.Header.Set(key, value)
		}
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func TestHealthEndpoint(t *testing.T) {
	f := newServerFixture(t)
	response := f.doJSON(http.MethodGet, "/healthz", "", nil)
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.Code)
	}
}

func TestActiveAddressesReflectPresence(t *testing.T) {
	f := newServerFixture(t)

	message, signature, timestamp := signedChallenge(f.buyerKey, "")
	session, err := f.signaling.Subscribe(context.Background(), f.buyer, signature, message,
		[]string{auth.CapabilityVideoMessage}, timestamp, "")
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}
	defer session.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		response := f.doJSON(http.MethodGet, "/webrtc-addresses", "", nil)
		if response.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", response.Code)
		}
		if strings.Contains(response.Body.String(), f.buyer) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("address never became present: %s", response.Body.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOfferLookupEndpoint(t *testing.T) {
	f := newServerFixture(t)

	response := f.doJSON(http.MethodGet, "/webrtc-offer/1/0", "", nil)
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", response.Code, response.Body.String())
	}
	var payload offerResponsePayload
	if err := json.Unmarshal(response.Body.Bytes(), &payload); err != nil {
		t.Fatalf("undecodable response: %v", err)
	}
	if payload.FullID != "1-0" || payload.Amount != 1.5 || !payload.Active || !payload.Accepted {
		t.Fatalf("unexpected offer payload: %+v", payload)
	}

	f.chain.setContract(ledger.ContractOffer{
		Buyer:  "0x0000000000000000000000000000000000000000",
		Status: ledger.StatusNone,
	})
	response = f.doJSON(http.MethodGet, "/webrtc-offer/9/9", "", nil)
	if response.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a nonexistent offer, got %d", response.Code)
	}
}

func TestUserInfoSubmitAndLookup(t *testing.T) {
	f := newServerFixture(t)

	response := f.doJSON(http.MethodPost, "/webrtc-user-info", `{"contentHash":"QmProfile"}`, nil)
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", response.Code, response.Body.String())
	}
	if !strings.Contains(response.Body.String(), f.buyer) {
		t.Fatalf("submit response lost the profile: %s", response.Body.String())
	}

	response = f.doJSON(http.MethodGet, "/webrtc-user-info/"+f.buyer, "", nil)
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.Code)
	}

	response = f.doJSON(http.MethodGet, "/webrtc-user-info/0x9999999999999999999999999999999999999999", "", nil)
	if response.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown address, got %d", response.Code)
	}
}

func TestUserFlagEndpoint(t *testing.T) {
	f := newServerFixture(t)

	timestamp := time.Now().UnixMilli()
	message := users.FlagMessage(f.seller, "spam", timestamp)
	body := fmt.Sprintf(`{"flagger":%q,"reason":"spam","timestamp":%d,"signature":%q}`,
		f.buyer, timestamp, auth.SignMessage(f.buyerKey, message))

	response := f.doJSON(http.MethodPost, "/webrtc-flag/"+f.seller, body, nil)
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", response.Code, response.Body.String())
	}

	forged := fmt.Sprintf(`{"flagger":%q,"reason":"spam","timestamp":%d,"signature":%q}`,
		f.seller, timestamp, auth.SignMessage(f.buyerKey, message))
	response = f.doJSON(http.MethodPost, "/webrtc-flag/"+f.seller, forged, nil)
	if response.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a forged flag, got %d", response.Code)
	}
}

func TestTokenExchangeGuardsOfferListing(t *testing.T) {
	f := newServerFixture(t)

	response := f.doJSON(http.MethodGet, "/v1/offers", "", nil)
	if response.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", response.Code)
	}

	message, signature, timestamp := signedChallenge(f.buyerKey, "")
	body := fmt.Sprintf(`{"address":%q,"signature":%q,"message":%q,"rules":["%s"],"timestamp":%d}`,
		f.buyer, signature, message, auth.CapabilityVideoMessage, timestamp)
	response = f.doJSON(http.MethodPost, "/auth/token", body, nil)
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", response.Code, response.Body.String())
	}
	var token tokenResponsePayload
	if err := json.Unmarshal(response.Body.Bytes(), &token); err != nil || token.AccessToken == "" {
		t.Fatalf("undecodable token response: %v (%s)", err, response.Body.String())
	}

	// Materialize the offer so the listing has content.
	if _, err := f.signaling.LookupOffer(context.Background(), "1", "0", ledger.LookupOptions{}); err != nil {
		t.Fatalf("failed to seed offer: %v", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token.AccessToken)
	response = f.doJSON(http.MethodGet, "/v1/offers", "", header)
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", response.Code, response.Body.String())
	}
	if !strings.Contains(response.Body.String(), `"1-0"`) {
		t.Fatalf("listing lost the pending offer: %s", response.Body.String())
	}
}

func TestCORSAllowsBrowserClients(t *testing.T) {
	f := newServerFixture(t)

	request := httptest.NewRequest(http.MethodOptions, "/webrtc-addresses", nil)
	request.Header.Set("Origin", "https://dapp.example")
	request.Header.Set("Access-Control-Request-Method", http.MethodGet)
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent && recorder.Code != http.StatusOK {
		t.Fatalf("expected preflight success, got %d", recorder.Code)
	}
	if recorder.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected wildcard origin, got %q", recorder.Header().Get("Access-Control-Allow-Origin"))
	}
}
