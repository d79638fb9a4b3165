package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/fjod/go_cart/cartsync/internal/auth"
	"github.com/fjod/go_cart/cartsync/internal/domain"
	"github.com/fjod/go_cart/cartsync/internal/session"
)

type Sessions interface {
	Connect(ctx context.Context, marketID, cartID, userID string) (*session.Session, error)
	Get(cartID string) (*session.Session, error)
}

type HistoryReader interface {
	ListHistory(ctx context.Context, userID string, limit int64) ([]domain.HistoryRecord, error)
}

type CartHandler struct {
	sessions Sessions
	history  HistoryReader
	timeout  time.Duration
}

func NewCartHandler(sessions Sessions, history HistoryReader, timeout time.Duration) *CartHandler {
	return &CartHandler{sessions: sessions, history: history, timeout: timeout}
}

type ConnectRequestDTO struct {
	MarketID       string `json:"marketId"`
	CartPhysicalID string `json:"cartPhysicalId"`
}

type ConnectResponseDTO struct {
	CartID   string          `json:"cartId"`
	MarketID string          `json:"marketId"`
	Phase    domain.Phase    `json:"phase"`
	Snapshot domain.Snapshot `json:"snapshot"`
}

// POST /cart/connect
func (h *CartHandler) Connect(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	userID, ok := auth.UserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}

	var req ConnectRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.MarketID == "" || req.CartPhysicalID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "marketId and cartPhysicalId are required")
		return
	}

	s, err := h.sessions.Connect(ctx, req.MarketID, req.CartPhysicalID, userID)
	if err != nil {
		handleDomainError(w, err)
		return
	}

	v := s.View()
	respondJSON(w, http.StatusOK, ConnectResponseDTO{
		CartID:   v.CartID,
		MarketID: v.MarketID,
		Phase:    v.Phase,
		Snapshot: v.Snapshot,
	})
}

// GET /history
func (h *CartHandler) History(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	userID, ok := auth.UserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}

	limit := int64(20)
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n <= 0 || n > 100 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	records, err := h.history.ListHistory(ctx, userID, limit)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	if records == nil {
		records = []domain.HistoryRecord{}
	}
	respondJSON(w, http.StatusOK, records)
}

// ownedSession loads the cart session and checks it belongs to the caller.
func ownedSession(w http.ResponseWriter, r *http.Request, sessions Sessions, cartID string) (*session.Session, bool) {
	userID, ok := auth.UserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return nil, false
	}
	if cartID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "cartId is required")
		return nil, false
	}
	s, err := sessions.Get(cartID)
	if err != nil {
		handleDomainError(w, err)
		return nil, false
	}
	if s.UserID() != userID {
		respondError(w, http.StatusForbidden, "permission_denied", "cart is bound to another shopper")
		return nil, false
	}
	return s, true
}
