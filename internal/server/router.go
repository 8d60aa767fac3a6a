package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/parleylabs/parley/internal/auth"
	"github.com/parleylabs/parley/internal/ledger"
	"github.com/parleylabs/parley/internal/signaling"
	"github.com/parleylabs/parley/internal/users"
)

const addressContextKey = "parley_address"

var (
	errMissingSignalingService = errors.New("signaling service dependency required")
	errMissingUsersService     = errors.New("users service dependency required")
	errMissingTokenIssuer      = errors.New("token issuer dependency required")
	errMissingVerifier         = errors.New("verifier dependency required")
	errInvalidAuthorization    = errors.New("authorization header missing or invalid")
)

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Signaling *signaling.Service
	Users     *users.Service
	Tokens    *auth.TokenIssuer
	Verifier  *auth.Verifier
	Logger    *zap.Logger
}

// NewHTTPHandler builds the relay's HTTP router: health, presence, offer
// and user-info lookups, token exchange, the bearer-protected offer
// listing, and the websocket relay itself.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Signaling == nil {
		return nil, errMissingSignalingService
	}
	if deps.Users == nil {
		return nil, errMissingUsersService
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenIssuer
	}
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		signaling: deps.Signaling,
		users:     deps.Users,
		tokens:    deps.Tokens,
		verifier:  deps.Verifier,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/webrtc-addresses", handler.handleActiveAddresses)
	router.GET("/webrtc-offer/:listingID/:offerID", handler.handleOfferLookup)
	router.POST("/webrtc-user-info", handler.handleUserInfoSubmit)
	router.GET("/webrtc-user-info/:address", handler.handleUserInfoLookup)
	router.POST("/webrtc-flag/:address", handler.handleUserFlag)
	router.POST("/auth/token", handler.handleTokenExchange)
	router.GET("/webrtc-relay/:address", handler.handleRelay)

	protected := router.Group("/v1")
	protected.Use(handler.authorizeRequest)
	protected.GET("/offers", handler.handleOfferListing)

	return router, nil
}

type httpHandler struct {
	signaling *signaling.Service
	users     *users.Service
	tokens    *auth.TokenIssuer
	verifier  *auth.Verifier
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleActiveAddresses(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"addresses": h.signaling.ActiveAddresses()})
}

type offerResponsePayload struct {
	FullID     string  `json:"fullID"`
	From       string  `json:"from"`
	To         string  `json:"to,omitempty"`
	Amount     float64 `json:"amount"`
	AmountType string  `json:"amountType"`
	Active     bool    `json:"active"`
	Rejected   bool    `json:"rejected"`
	Accepted   bool    `json:"accepted"`
}

func (h *httpHandler) handleOfferLookup(c *gin.Context) {
	var blockNumber uint64
	if block := c.Query("block"); block != "" {
		parsed, err := strconv.ParseUint(block, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_block"})
			return
		}
		blockNumber = parsed
	}

	offer, err := h.signaling.LookupOffer(c.Request.Context(), c.Param("listingID"), c.Param("offerID"), ledger.LookupOptions{
		TxHash:      c.Query("tx"),
		BlockNumber: blockNumber,
	})
	if errors.Is(err, ledger.ErrOfferNotFound) || (err == nil && offer == nil) {
		c.JSON(http.StatusNotFound, gin.H{"error": "offer_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("offer lookup failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "ledger_unavailable"})
		return
	}

	c.JSON(http.StatusOK, offerResponsePayload{
		FullID:     offer.FullID,
		From:       offer.From,
		To:         offer.To,
		Amount:     offer.Amount,
		AmountType: offer.AmountType,
		Active:     offer.Active,
		Rejected:   offer.Rejected,
		Accepted:   offer.Accepted(),
	})
}

type userInfoSubmitPayload struct {
	ContentHash string `json:"contentHash"`
}

func (h *httpHandler) handleUserInfoSubmit(c *gin.Context) {
	var request userInfoSubmitPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.ContentHash) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	info, err := h.users.Submit(c.Request.Context(), request.ContentHash)
	if errors.Is(err, users.ErrInvalidProfile) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_profile"})
		return
	}
	if err != nil {
		h.logger.Error("user info submit failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "content_unavailable"})
		return
	}
	c.Data(http.StatusOK, "application/json", info)
}

func (h *httpHandler) handleUserInfoLookup(c *gin.Context) {
	info, err := h.users.Lookup(c.Request.Context(), c.Param("address"))
	if err != nil {
		h.logger.Error("user info lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	if info == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_address"})
		return
	}
	c.Data(http.StatusOK, "application/json", info)
}

type userFlagPayload struct {
	Flagger   string `json:"flagger"`
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

func (h *httpHandler) handleUserFlag(c *gin.Context) {
	var request userFlagPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Flagger == "" || request.Signature == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	err := h.users.Flag(c.Request.Context(), c.Param("address"), request.Flagger, request.Reason, request.Timestamp, request.Signature)
	if errors.Is(err, users.ErrFlagSignature) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if err != nil {
		h.logger.Error("user flag failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "flag_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"flagged": true})
}

type tokenRequestPayload struct {
	Address     string   `json:"address"`
	Signature   string   `json:"signature"`
	Message     string   `json:"message"`
	Rules       []string `json:"rules"`
	Timestamp   int64    `json:"timestamp"`
	WalletToken string   `json:"walletToken"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// handleTokenExchange trades a signed connection challenge for a bearer
// token scoped to the recovered address.
func (h *httpHandler) handleTokenExchange(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Address == "" || request.Signature == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.verifier.VerifySubscription(request.Address, request.Signature, request.Message,
		request.Rules, request.Timestamp, request.WalletToken); err != nil {
		h.logger.Warn("challenge verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	token, expiresIn, err := h.tokens.IssueAccessToken(c.Request.Context(), request.Address)
	if err != nil {
		h.logger.Error("failed to issue access token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) handleOfferListing(c *gin.Context) {
	address := c.GetString(addressContextKey)
	if address == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	offers, err := h.signaling.PendingOffers(c.Request.Context(), address)
	if err != nil {
		h.logger.Error("offer listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"offers": offers})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(addressContextKey, subject)
	c.Next()
}
