// Package broker defines the execution boundary and ships an in-memory
// paper implementation of it.
package broker

import (
	"context"
	"errors"
	"time"
)

// Side enumerates order directions.
type Side string

const (
	// Buy indicates a long entry order.
	Buy Side = "BUY"
	// Sell indicates an exit order.
	Sell Side = "SELL"
)

// OrderType enumerates supported order types. The engine only submits
// market orders.
type OrderType string

// Market is an immediate-execution order.
const Market OrderType = "market"

// Order is a placement request.
type Order struct {
	Symbol string
	Side   Side
	Qty    float64
	Type   OrderType
}

// OrderStatus is the lifecycle state of a submitted order.
type OrderStatus string

const (
	// Filled means the order executed in full.
	Filled OrderStatus = "filled"
	// Rejected means the venue refused the order.
	Rejected OrderStatus = "rejected"
	// Pending means the order is still working.
	Pending OrderStatus = "pending"
)

// OrderResult is the venue's view of a submitted order.
type OrderResult struct {
	ID        string
	Status    OrderStatus
	FillPrice float64
	FillQty   float64
	Reason    string
	Ts        time.Time
}

// Account is the funding state used for position sizing.
type Account struct {
	Equity      float64
	BuyingPower float64
}

// Position is the venue's view of a holding, used to reconcile at startup.
type Position struct {
	Symbol   string
	Qty      float64
	AvgEntry float64
}

// ErrUnauthorized marks a broken credential. It is fatal: the engine halts
// rather than retrying it.
var ErrUnauthorized = errors.New("broker: unauthorized")

// Broker is the narrow execution contract the engine depends on.
type Broker interface {
	GetAccount(ctx context.Context) (Account, error)
	GetPositions(ctx context.Context) ([]Position, error)
	SubmitOrder(ctx context.Context, order Order) (string, error)
	GetOrderStatus(ctx context.Context, id string) (OrderResult, error)
	IsMarketOpen(ctx context.Context) (bool, error)
}
