// Package httpapi exposes the marketplace over REST. Callers identify
// themselves with the X-Caller-Address header; everything past that is the
// services' authorization problem.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	app "github.com/nebulaforge/fleetmarket/internal/app"
	"github.com/nebulaforge/fleetmarket/internal/app/domain/payment"
	"github.com/nebulaforge/fleetmarket/internal/app/domain/rental"
	"github.com/nebulaforge/fleetmarket/internal/app/events"
	"github.com/nebulaforge/fleetmarket/internal/app/metrics"
	"github.com/nebulaforge/fleetmarket/internal/app/services/cleanup"
	"github.com/nebulaforge/fleetmarket/internal/app/services/market"
	"github.com/nebulaforge/fleetmarket/internal/app/services/payments"
	"github.com/nebulaforge/fleetmarket/internal/app/services/rentals"
	"github.com/nebulaforge/fleetmarket/internal/middleware"
)

type handler struct {
	app *app.Application
}

// NewHandler returns a router exposing the marketplace REST API.
func NewHandler(application *app.Application) http.Handler {
	h := &handler{app: application}
	r := mux.NewRouter()

	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/listings", h.createListing).Methods(http.MethodPost)
	r.HandleFunc("/listings/{id:[0-9]+}", h.getListing).Methods(http.MethodGet)
	r.HandleFunc("/listings/{id:[0-9]+}", h.updateListing).Methods(http.MethodPatch)
	r.HandleFunc("/listings/{id:[0-9]+}", h.cancelListing).Methods(http.MethodDelete)
	r.HandleFunc("/listings/{id:[0-9]+}/buy", h.buyListing).Methods(http.MethodPost)
	r.HandleFunc("/listings/{id:[0-9]+}/bids", h.placeBid).Methods(http.MethodPost)
	r.HandleFunc("/listings/{id:[0-9]+}/bids", h.bidHistory).Methods(http.MethodGet)
	r.HandleFunc("/listings/{id:[0-9]+}/settle", h.settleAuction).Methods(http.MethodPost)
	r.HandleFunc("/listings/{id:[0-9]+}/settleable", h.canSettle).Methods(http.MethodGet)
	r.HandleFunc("/assets/{id:[0-9]+}/listing", h.listingByAsset).Methods(http.MethodGet)
	r.HandleFunc("/sellers/{addr}/listings", h.listingsBySeller).Methods(http.MethodGet)
	r.HandleFunc("/stats", h.stats).Methods(http.MethodGet)

	r.HandleFunc("/rentals/protocol", h.rentProtocol).Methods(http.MethodPost)
	r.HandleFunc("/rentals/fleet", h.rentFleet).Methods(http.MethodPost)
	r.HandleFunc("/rentals/listings", h.listShipForRent).Methods(http.MethodPost)
	r.HandleFunc("/rentals/listings", h.activeP2PListings).Methods(http.MethodGet)
	r.HandleFunc("/rentals/listings/{id:[0-9]+}", h.getP2PListing).Methods(http.MethodGet)
	r.HandleFunc("/rentals/listings/{id:[0-9]+}", h.cancelRentListing).Methods(http.MethodDelete)
	r.HandleFunc("/rentals/listings/{id:[0-9]+}/rent", h.rentPlayerShip).Methods(http.MethodPost)
	r.HandleFunc("/rentals/{id:[0-9]+}", h.getRental).Methods(http.MethodGet)
	r.HandleFunc("/rentals/{id:[0-9]+}/consume", h.consumeGame).Methods(http.MethodPost)
	r.HandleFunc("/rentals/{id:[0-9]+}/expired", h.rentalExpired).Methods(http.MethodGet)
	r.HandleFunc("/renters/{addr}/rentals", h.rentalsByRenter).Methods(http.MethodGet)

	r.HandleFunc("/cleanup/expired", h.expiredRentals).Methods(http.MethodGet)
	r.HandleFunc("/cleanup", h.cleanupRentals).Methods(http.MethodPost)

	r.HandleFunc("/admin/rentals/{id:[0-9]+}/return", h.emergencyReturn).Methods(http.MethodPost)
	r.HandleFunc("/admin/cleaner", h.setCleaner).Methods(http.MethodPost)
	r.HandleFunc("/admin/rental-config", h.setProtocolConfig).Methods(http.MethodPost)
	r.HandleFunc("/admin/fees/withdraw", h.withdrawFees).Methods(http.MethodPost)

	r.HandleFunc("/audit", h.audit).Methods(http.MethodGet)

	return metrics.InstrumentHandler(r)
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- listings ---------------------------------------------------------------

func (h *handler) createListing(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		AssetID      uint64 `json:"asset_id"`
		PaymentAsset string `json:"payment_asset"`
		Price        int64  `json:"price"`
		Kind         string `json:"kind"`
		DurationSecs int64  `json:"duration_seconds"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	caller := callerAddress(r)
	duration := time.Duration(payload.DurationSecs) * time.Second

	switch payload.Kind {
	case "auction":
		l, err := h.app.Market.CreateAuctionListing(r.Context(), caller, payload.AssetID,
			payment.Asset(payload.PaymentAsset), payload.Price, duration)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, l)
	case "", "fixed":
		l, err := h.app.Market.CreateFixedPriceListing(r.Context(), caller, payload.AssetID,
			payment.Asset(payload.PaymentAsset), payload.Price, duration)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, l)
	default:
		writeError(w, http.StatusBadRequest, errors.New("kind must be fixed or auction"))
	}
}

func (h *handler) getListing(w http.ResponseWriter, r *http.Request) {
	l, err := h.app.Market.GetListing(r.Context(), pathID(r))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (h *handler) updateListing(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Price        int64 `json:"price"`
		DurationSecs int64 `json:"duration_seconds"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	l, err := h.app.Market.UpdateListing(r.Context(), callerAddress(r), pathID(r),
		payload.Price, time.Duration(payload.DurationSecs)*time.Second)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (h *handler) cancelListing(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Market.CancelListing(r.Context(), callerAddress(r), pathID(r)); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) buyListing(w http.ResponseWriter, r *http.Request) {
	l, err := h.app.Market.BuyListing(r.Context(), callerAddress(r), pathID(r))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (h *handler) placeBid(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Amount int64 `json:"amount"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	l, err := h.app.Market.PlaceBid(r.Context(), callerAddress(r), pathID(r), payload.Amount)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (h *handler) bidHistory(w http.ResponseWriter, r *http.Request) {
	bids, err := h.app.Market.BidHistory(r.Context(), pathID(r))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, bids)
}

func (h *handler) settleAuction(w http.ResponseWriter, r *http.Request) {
	l, err := h.app.Market.SettleAuction(r.Context(), callerAddress(r), pathID(r))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (h *handler) canSettle(w http.ResponseWriter, r *http.Request) {
	ok, err := h.app.Market.CanSettleAuction(r.Context(), pathID(r))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"settleable": ok})
}

func (h *handler) listingByAsset(w http.ResponseWriter, r *http.Request) {
	l, err := h.app.Market.ListingByAsset(r.Context(), pathID(r))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (h *handler) listingsBySeller(w http.ResponseWriter, r *http.Request) {
	listings, err := h.app.Market.ListingsBySeller(r.Context(), mux.Vars(r)["addr"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, listings)
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.app.Market.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- rentals ----------------------------------------------------------------

func (h *handler) rentProtocol(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Class    string `json:"class"`
		MaxHours int    `json:"max_hours"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rent, err := h.app.Rentals.RentProtocolShip(r.Context(), callerAddress(r),
		rental.ShipClass(payload.Class), payload.MaxHours)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, rent)
}

func (h *handler) rentFleet(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		MaxHours int `json:"max_hours"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	fleet, err := h.app.Rentals.RentFullFleet(r.Context(), callerAddress(r), payload.MaxHours)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, fleet)
}

func (h *handler) listShipForRent(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		AssetID      uint64 `json:"asset_id"`
		PricePerGame int64  `json:"price_per_game"`
		MaxGames     int    `json:"max_games"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	p, err := h.app.Rentals.ListShipForRent(r.Context(), callerAddress(r),
		payload.AssetID, payload.PricePerGame, payload.MaxGames)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *handler) activeP2PListings(w http.ResponseWriter, r *http.Request) {
	listings, err := h.app.Rentals.ActiveP2PListings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, listings)
}

func (h *handler) getP2PListing(w http.ResponseWriter, r *http.Request) {
	p, err := h.app.Rentals.P2PListing(r.Context(), pathID(r))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handler) cancelRentListing(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Rentals.CancelRentListing(r.Context(), callerAddress(r), pathID(r)); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) rentPlayerShip(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Games    int `json:"games"`
		MaxHours int `json:"max_hours"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rent, err := h.app.Rentals.RentPlayerShip(r.Context(), callerAddress(r),
		pathID(r), payload.Games, payload.MaxHours)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, rent)
}

func (h *handler) getRental(w http.ResponseWriter, r *http.Request) {
	rent, err := h.app.Rentals.RentalByAsset(r.Context(), pathID(r))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rent)
}

func (h *handler) consumeGame(w http.ResponseWriter, r *http.Request) {
	rent, err := h.app.Rentals.DecrementRentalUse(r.Context(), callerAddress(r), pathID(r))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rent)
}

func (h *handler) rentalExpired(w http.ResponseWriter, r *http.Request) {
	expired, err := h.app.Rentals.IsRentalExpired(r.Context(), pathID(r))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"expired": expired})
}

func (h *handler) rentalsByRenter(w http.ResponseWriter, r *http.Request) {
	rents, err := h.app.Rentals.RentalsByRenter(r.Context(), mux.Vars(r)["addr"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rents)
}

// --- cleanup ----------------------------------------------------------------

func (h *handler) expiredRentals(w http.ResponseWriter, r *http.Request) {
	ids, err := h.app.Cleanup.ExpiredRentalIDs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"asset_ids": ids})
}

func (h *handler) cleanupRentals(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		AssetIDs []uint64 `json:"asset_ids"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := h.app.Cleanup.CleanupExpiredRentals(r.Context(), callerAddress(r), payload.AssetIDs)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- admin ------------------------------------------------------------------

func (h *handler) emergencyReturn(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Cleanup.EmergencyReturnRental(r.Context(), callerAddress(r), pathID(r)); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) setCleaner(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Cleaner string `json:"cleaner"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.app.Cleanup.SetDesignatedCleaner(r.Context(), callerAddress(r), payload.Cleaner); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) setProtocolConfig(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Class           string `json:"class"`
		BasePrice       int64  `json:"base_price"`
		Active          bool   `json:"active"`
		PromoMultiplier int64  `json:"promo_multiplier"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	err := h.app.Rentals.SetProtocolConfig(r.Context(), callerAddress(r), rental.ProtocolConfig{
		Class:           rental.ShipClass(payload.Class),
		BasePrice:       payload.BasePrice,
		Active:          payload.Active,
		PromoMultiplier: payload.PromoMultiplier,
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) withdrawFees(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Asset string `json:"asset"`
		To    string `json:"to"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := h.app.Payments.WithdrawFees(r.Context(), callerAddress(r),
		payment.Asset(payload.Asset), payload.To)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"amount": amount})
}

// --- audit ------------------------------------------------------------------

func (h *handler) audit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	if t := r.URL.Query().Get("type"); t != "" {
		writeJSON(w, http.StatusOK, h.app.Audit.RecentByType(events.Type(t), limit))
		return
	}
	writeJSON(w, http.StatusOK, h.app.Audit.Recent(limit))
}

// --- helpers ----------------------------------------------------------------

func callerAddress(r *http.Request) string {
	return r.Header.Get(middleware.CallerHeader)
}

func pathID(r *http.Request) uint64 {
	id, _ := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	return id
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, market.ErrListingNotFound),
		errors.Is(err, rentals.ErrRentalNotFound),
		errors.Is(err, rentals.ErrListingNotFound):
		return http.StatusNotFound
	case errors.Is(err, market.ErrNotSeller),
		errors.Is(err, market.ErrNotOwner),
		errors.Is(err, rentals.ErrNotOwner),
		errors.Is(err, rentals.ErrUnauthorized),
		errors.Is(err, cleanup.ErrUnauthorized),
		errors.Is(err, payments.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, market.ErrAssetBusy),
		errors.Is(err, rentals.ErrAssetBusy),
		errors.Is(err, market.ErrHasBids),
		errors.Is(err, rentals.ErrListingReserved):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func decodeJSON(body io.ReadCloser, dst any) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
