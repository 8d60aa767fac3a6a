package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBridgeTimeout = 10 * time.Second
	maxBridgeBody        = 1 << 20
)

var (
	errMissingBridgeURL  = errors.New("ledger: bridge url required")
	errMissingGatewayURL = errors.New("ledger: content gateway url required")
)

// BridgeConfig configures the HTTP chain bridge client.
type BridgeConfig struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Bridge reads offer structs and creation events from a chain indexer over
// HTTP. It satisfies ChainReader.
type Bridge struct {
	baseURL    string
	httpClient *http.Client
}

// NewBridge constructs a Bridge after validating configuration.
func NewBridge(cfg BridgeConfig) (*Bridge, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errMissingBridgeURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultBridgeTimeout}
	}
	return &Bridge{baseURL: base, httpClient: httpClient}, nil
}

// GetOfferStruct implements ChainReader.
func (b *Bridge) GetOfferStruct(ctx context.Context, listingID, offerID string) (ContractOffer, error) {
	var contract ContractOffer
	endpoint := fmt.Sprintf("%s/listings/%s/offers/%s",
		b.baseURL, url.PathEscape(listingID), url.PathEscape(offerID))
	if err := b.getJSON(ctx, endpoint, &contract); err != nil {
		return ContractOffer{}, err
	}
	return contract, nil
}

// GetCreationEvent implements ChainReader. A 404 from the bridge means no
// matching event and maps to (nil, nil).
func (b *Bridge) GetCreationEvent(ctx context.Context, listingID, offerID, txHash string, blockNumber uint64) (*CreationEvent, error) {
	endpoint := fmt.Sprintf("%s/listings/%s/offers/%s/created?tx=%s&block=%s",
		b.baseURL, url.PathEscape(listingID), url.PathEscape(offerID),
		url.QueryEscape(txHash), strconv.FormatUint(blockNumber, 10))

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	response, err := b.httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ledger: bridge returned %d", response.StatusCode)
	}

	var event CreationEvent
	if err := decodeBody(response.Body, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

func (b *Bridge) getJSON(ctx context.Context, endpoint string, out any) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	response, err := b.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("ledger: bridge returned %d", response.StatusCode)
	}
	return decodeBody(response.Body, out)
}

// GatewayConfig configures the content-addressed store client.
type GatewayConfig struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Gateway fetches off-chain content by hash from an HTTP gateway. It
// satisfies ContentStore.
type Gateway struct {
	baseURL    string
	httpClient *http.Client
}

// NewGateway constructs a Gateway after validating configuration.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errMissingGatewayURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultBridgeTimeout}
	}
	return &Gateway{baseURL: base, httpClient: httpClient}, nil
}

// FetchByHash implements ContentStore.
func (g *Gateway) FetchByHash(ctx context.Context, hash string) (json.RawMessage, error) {
	endpoint := fmt.Sprintf("%s/ipfs/%s", g.baseURL, url.PathEscape(hash))
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	response, err := g.httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ledger: gateway returned %d", response.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(response.Body, maxBridgeBody))
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, errors.New("ledger: gateway returned malformed content")
	}
	return json.RawMessage(body), nil
}

func decodeBody(body io.Reader, out any) error {
	raw, err := io.ReadAll(io.LimitReader(body, maxBridgeBody))
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
