// Package broker defines the upstream feed/broker adapter the core consumes
// and ships an in-process paper implementation of it.
package broker

import (
	"context"
	"errors"

	"futures-core/internal/connection"
	"futures-core/internal/market"
	"futures-core/internal/order"
)

var (
	ErrNotConnected = errors.New("plant not connected")
	ErrUnknownOrder = errors.New("unknown order")
)

// Handlers receive upstream events. Nil handlers are skipped.
type Handlers struct {
	OnTick     func(market.Tick)
	OnDepth    func(market.DepthUpdate)
	OnFill     func(market.Fill)
	OnPnL      func(market.PnLUpdate)
	OnOrderAck func(market.OrderAck)
}

// Adapter is a broker connection: one transport per plant, order entry, and
// position truth for reconciliation.
type Adapter interface {
	Transport(plant connection.PlantName) connection.Transport
	SetHandlers(h Handlers)
	SubmitOrder(ctx context.Context, accountID string, o order.Order) (string, error)
	CancelOrder(ctx context.Context, accountID, orderID string) error
	Positions(ctx context.Context, accountID string) (map[string]int, error)
}
