package eventbus

import "github.com/bo0619/hfmm-engine/pkg/types"

// Event type tags for every payload that crosses the bus. Registration
// order per type defines handler dispatch order.
const (
	TypeBookEvent       EventType = "book"
	TypeBookDelta       EventType = "book_delta"
	TypeAggTrade        EventType = "agg_trade"
	TypeMarkPrice       EventType = "mark_price"
	TypeOrderUpdate     EventType = "order_update"
	TypeOrderSnapshot   EventType = "order_snapshot"
	TypeTrade           EventType = "trade"
	TypePositionUpdate  EventType = "position_update"
	TypeAccountSnapshot EventType = "account_snapshot"
	TypeSystemHealth    EventType = "system_health"
	TypeGapError        EventType = "gap_error"
)

// BookEventMsg wraps a point-in-time local book copy.
type BookEventMsg struct{ types.BookEvent }

func (BookEventMsg) Type() EventType { return TypeBookEvent }

// BookDeltaMsg wraps a raw incremental depth update as received from a
// gateway, before the local book has applied it.
type BookDeltaMsg struct{ types.BookDelta }

func (BookDeltaMsg) Type() EventType { return TypeBookDelta }

// AggTradeMsg wraps a public trade print.
type AggTradeMsg struct{ types.AggTrade }

func (AggTradeMsg) Type() EventType { return TypeAggTrade }

// MarkPriceMsg wraps a mark-price update.
type MarkPriceMsg struct{ types.MarkPrice }

func (MarkPriceMsg) Type() EventType { return TypeMarkPrice }

// OrderUpdateMsg wraps a normalised exchange order lifecycle update.
type OrderUpdateMsg struct{ types.ExchangeOrderUpdate }

func (OrderUpdateMsg) Type() EventType { return TypeOrderUpdate }

// OrderSnapshotMsg wraps a post-transition Order snapshot.
type OrderSnapshotMsg struct{ types.OrderSnapshot }

func (OrderSnapshotMsg) Type() EventType { return TypeOrderSnapshot }

// TradeMsg wraps an OMS-synthesised fill.
type TradeMsg struct{ types.Trade }

func (TradeMsg) Type() EventType { return TypeTrade }

// PositionUpdateMsg wraps a position snapshot emitted after a fill.
type PositionUpdateMsg struct{ types.PositionSnapshot }

func (PositionUpdateMsg) Type() EventType { return TypePositionUpdate }

// AccountSnapshotMsg wraps an account recomputation result.
type AccountSnapshotMsg struct{ types.AccountSnapshot }

func (AccountSnapshotMsg) Type() EventType { return TypeAccountSnapshot }

// SystemHealthMsg wraps a reconciliation-loop health report.
type SystemHealthMsg struct{ types.SystemHealth }

func (SystemHealthMsg) Type() EventType { return TypeSystemHealth }

// GapErrorMsg signals the local book detected a sequence gap and
// un-initialised itself; downstream emission is suppressed until resync.
type GapErrorMsg struct {
	Symbol string
	Reason string
}

func (GapErrorMsg) Type() EventType { return TypeGapError }
