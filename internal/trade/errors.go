package trade

import (
	"errors"
	"net/http"

	"github.com/osucapital/market-engine/internal/refresh"
	"github.com/osucapital/market-engine/internal/store"
)

var (
	ErrInvalidTradeType   = errors.New("trade: type must be buy or sell")
	ErrInvalidShares      = errors.New("trade: shares must be positive with at most 2 decimal places")
	ErrSeenPriceRequired  = errors.New("trade: seen price is required")
	ErrPriceChanged       = errors.New("trade: price changed, refresh")
	ErrSelfTrade          = errors.New("trade: cannot trade your own stock")
	ErrTradingClosed      = errors.New("trade: trading is closed")
	ErrMaintenance        = errors.New("trade: market is undergoing maintenance")
	ErrStockLocked        = errors.New("trade: trading in this stock is disabled")
	ErrNotBuyable         = errors.New("trade: stock is not buyable")
	ErrNotSellable        = errors.New("trade: stock is not sellable")
	ErrInsufficientFunds  = errors.New("trade: insufficient coins")
	ErrInsufficientShares = errors.New("trade: insufficient shares")
	ErrStockListed        = errors.New("trade: stock is still listed, sell normally")
	ErrDuplicateTrade     = errors.New("trade: duplicate idempotency key")
	ErrUnknownUser        = errors.New("trade: user not registered")
	ErrUnknownStock       = errors.New("trade: stock does not exist")

	// ErrPriceUnavailable wraps provider and storage failures that leave the
	// current price unknown. Nothing is traded.
	ErrPriceUnavailable = errors.New("trade: price unavailable")
)

// storeErrors translates settlement rejections into trade errors.
var storeErrors = []struct {
	from, to error
}{
	{store.ErrPriceChanged, ErrPriceChanged},
	{store.ErrStockLocked, ErrStockLocked},
	{store.ErrStockListed, ErrStockListed},
	{store.ErrInsufficientFunds, ErrInsufficientFunds},
	{store.ErrInsufficientShares, ErrInsufficientShares},
	{store.ErrDuplicateTrade, ErrDuplicateTrade},
	{store.ErrUserNotFound, ErrUnknownUser},
	{store.ErrNotFound, ErrUnknownStock},
	{refresh.ErrUnknownStock, ErrUnknownStock},
}

func translate(err error) error {
	for _, e := range storeErrors {
		if errors.Is(err, e.from) {
			return e.to
		}
	}
	return err
}

// StatusFor maps an engine error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidTradeType),
		errors.Is(err, ErrInvalidShares),
		errors.Is(err, ErrSeenPriceRequired),
		errors.Is(err, ErrPriceChanged):
		return http.StatusBadRequest
	case errors.Is(err, ErrSelfTrade), errors.Is(err, ErrTradingClosed):
		return http.StatusForbidden
	case errors.Is(err, ErrUnknownUser), errors.Is(err, ErrUnknownStock):
		return http.StatusNotFound
	case errors.Is(err, ErrStockLocked),
		errors.Is(err, ErrNotBuyable),
		errors.Is(err, ErrNotSellable),
		errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrInsufficientShares),
		errors.Is(err, ErrStockListed),
		errors.Is(err, ErrDuplicateTrade):
		return http.StatusConflict
	case errors.Is(err, ErrPriceUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, ErrMaintenance):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// reason is the metrics label for a rejected trade.
func reason(err error) string {
	switch {
	case errors.Is(err, ErrPriceChanged):
		return "price_changed"
	case errors.Is(err, ErrPriceUnavailable):
		return "price_unavailable"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, ErrStockLocked), errors.Is(err, ErrTradingClosed), errors.Is(err, ErrMaintenance):
		return "locked"
	case errors.Is(err, ErrNotBuyable), errors.Is(err, ErrNotSellable), errors.Is(err, ErrStockListed):
		return "ineligible"
	case errors.Is(err, ErrDuplicateTrade):
		return "duplicate"
	case StatusFor(err) < http.StatusInternalServerError:
		return "invalid"
	default:
		return "internal"
	}
}
