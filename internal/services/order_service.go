package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/kirana-mart/api/internal/domain"
	"github.com/kirana-mart/api/internal/repositories"
)

const (
	orderEventCreated             = "order.created"
	orderEventCancelled           = "order.cancelled"
	orderEventItemCancelled       = "order.item_cancelled"
	orderEventReturnRequested     = "order.return_requested"
	orderEventItemReturnRequested = "order.item_return_requested"
	orderEventReturned            = "order.returned"
	orderEventStatusChanged       = "order.status_changed"

	orderIDPrefix = "ord_"
	itemIDPrefix  = "itm_"

	defaultCancelReason   = "cancelled by customer"
	expiredCancelReason   = "auto-cancelled: payment not completed"
	maxReasonRunes        = 500
	orderUpdateAttempts   = 3
	defaultPendingTimeout = 30 * time.Minute

	walletReasonOrderPayment  = "order payment"
	walletReasonPaymentRevert = "order payment reversal"
	walletReasonReturnRefund  = "order return refund"
	walletReasonCancelRefund  = "order cancellation refund"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located for the caller.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderItemNotFound indicates the item is not part of the order.
	ErrOrderItemNotFound = errors.New("order: item not found")
	// ErrOrderInvalidState indicates an invalid status transition was attempted.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderAlreadyCancelled indicates the order or item is already cancelled.
	ErrOrderAlreadyCancelled = errors.New("order: already cancelled")
	// ErrOrderReturnAlreadyRequested indicates a return is already requested or completed.
	ErrOrderReturnAlreadyRequested = errors.New("order: return already requested")
	// ErrOrderConflict indicates optimistic concurrency retries were exhausted.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderUnavailable indicates the order store could not be reached.
	ErrOrderUnavailable = errors.New("order: unavailable")
)

var orderStateTransitions = map[OrderStatus][]OrderStatus{
	domain.OrderStatusPending:         {domain.OrderStatusProcessing, domain.OrderStatusCancelled},
	domain.OrderStatusProcessing:      {domain.OrderStatusShipped, domain.OrderStatusCancelled},
	domain.OrderStatusShipped:         {domain.OrderStatusDelivered},
	domain.OrderStatusDelivered:       {domain.OrderStatusReturnRequested},
	domain.OrderStatusReturnRequested: {domain.OrderStatusReturned},
}

// Admin transitions cover the fulfilment path only; cancel and return have dedicated operations.
var advanceTargets = []OrderStatus{
	domain.OrderStatusProcessing,
	domain.OrderStatusShipped,
	domain.OrderStatusDelivered,
}

var nonCancellableOrderStatuses = []OrderStatus{
	domain.OrderStatusShipped,
	domain.OrderStatusDelivered,
	domain.OrderStatusReturnRequested,
	domain.OrderStatusReturned,
	domain.OrderStatusCancelled,
}

var nonCancellableItemStatuses = []OrderStatus{
	domain.OrderStatusCancelled,
	domain.OrderStatusShipped,
	domain.OrderStatusDelivered,
	domain.OrderStatusReturnRequested,
	domain.OrderStatusReturned,
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders         repositories.OrderRepository
	Inventory      InventoryService
	Wallet         WalletService
	Events         OrderEventPublisher
	Invoices       InvoiceExporter
	PendingTimeout time.Duration
	Clock          func() time.Time
	IDGenerator    func() string
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders         repositories.OrderRepository
	inventory      InventoryService
	wallet         WalletService
	events         OrderEventPublisher
	invoices       InvoiceExporter
	pendingTimeout time.Duration
	clock          func() time.Time
	newID          func() string
	logger         func(ctx context.Context, event string, fields map[string]any)
	reasons        *bluemonday.Policy
}

// NewOrderService constructs the order state machine.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("order service: inventory service is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	timeout := deps.PendingTimeout
	if timeout <= 0 {
		timeout = defaultPendingTimeout
	}
	return &orderService{
		orders:         deps.Orders,
		inventory:      deps.Inventory,
		wallet:         deps.Wallet,
		events:         deps.Events,
		invoices:       deps.Invoices,
		pendingTimeout: timeout,
		clock:          func() time.Time { return clock().UTC() },
		newID:          idGen,
		logger:         logger,
		reasons:        bluemonday.StrictPolicy(),
	}, nil
}

// PlaceOrder reserves stock, settles wallet payments and persists the order snapshot.
func (s *orderService) PlaceOrder(ctx context.Context, quote CheckoutQuote) (Order, error) {
	uid := strings.TrimSpace(quote.UserID)
	if uid == "" {
		return Order{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	if len(quote.Lines) == 0 {
		return Order{}, fmt.Errorf("%w: order requires at least one line", ErrOrderInvalidInput)
	}
	switch quote.PaymentMethod {
	case domain.PaymentMethodCOD, domain.PaymentMethodWallet, domain.PaymentMethodOnline:
	default:
		return Order{}, fmt.Errorf("%w: unsupported payment method %q", ErrOrderInvalidInput, quote.PaymentMethod)
	}
	if quote.PaymentMethod == domain.PaymentMethodWallet && s.wallet == nil {
		return Order{}, fmt.Errorf("%w: wallet payments are not configured", ErrOrderUnavailable)
	}

	now := s.clock()
	order := Order{
		ID:            orderIDPrefix + s.newID(),
		UserID:        uid,
		Totals:        quote.Pricing.Totals(),
		Address:       quote.Address,
		PaymentMethod: quote.PaymentMethod,
		PaymentStatus: domain.PaymentStatusPending,
		Status:        domain.OrderStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	// Only unsettled online payments expire; cod and wallet orders wait for fulfilment.
	if quote.PaymentMethod == domain.PaymentMethodOnline {
		order.PendingCancelAt = valuePtr(now.Add(s.pendingTimeout))
	}

	order.Items = make([]OrderItem, 0, len(quote.Lines))
	stock := make([]StockLine, 0, len(quote.Lines))
	for i, line := range quote.Lines {
		if line.Quantity <= 0 || strings.TrimSpace(line.ProductID) == "" {
			return Order{}, fmt.Errorf("%w: line %d is invalid", ErrOrderInvalidInput, i)
		}
		item := OrderItem{
			ID:        itemIDPrefix + s.newID(),
			ProductID: line.ProductID,
			Name:      line.Name,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
			LineTotal: line.LineTotal,
			Status:    order.Status,
		}
		order.Items = append(order.Items, item)
		stock = append(stock, StockLine{ItemID: item.ID, ProductID: item.ProductID, Quantity: item.Quantity})
	}

	if err := s.inventory.Reserve(ctx, order.ID, stock); err != nil {
		return Order{}, err
	}

	if order.PaymentMethod == domain.PaymentMethodWallet {
		if _, err := s.wallet.Debit(ctx, WalletEntryCommand{
			UserID:         uid,
			Amount:         order.Totals.Total,
			Reason:         walletReasonOrderPayment,
			RelatedOrderID: order.ID,
			IdempotencyKey: "order:" + order.ID,
		}); err != nil {
			s.releaseReservation(ctx, order.ID, stock)
			return Order{}, err
		}
		order.PaymentStatus = domain.PaymentStatusPaid
	}

	if err := s.orders.Insert(ctx, order); err != nil {
		s.releaseReservation(ctx, order.ID, stock)
		if order.PaymentMethod == domain.PaymentMethodWallet {
			s.creditWallet(ctx, order, walletReasonPaymentRevert, "order-reversal:"+order.ID, order.Totals.Total)
		}
		return Order{}, s.mapRepositoryError(ctx, order.ID, err)
	}
	order.Revision = 1

	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventCreated,
		OrderID:       order.ID,
		UserID:        order.UserID,
		CurrentStatus: string(order.Status),
		OccurredAt:    now,
		Metadata: map[string]any{
			"paymentMethod": string(order.PaymentMethod),
			"total":         order.Totals.Total,
			"items":         len(order.Items),
		},
	})
	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, identity Identity, orderID string) (Order, error) {
	uid, err := identity.validate()
	if err != nil {
		return Order{}, err
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(ctx, orderID, err)
	}
	if order.UserID != uid {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, identity Identity, pager Pagination) (domain.CursorPage[Order], error) {
	uid, err := identity.validate()
	if err != nil {
		return domain.CursorPage[Order]{}, err
	}
	page, err := s.orders.List(ctx, repositories.OrderListFilter{UserID: uid, Pagination: pager})
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(ctx, "", err)
	}
	return page, nil
}

// CancelOrder cancels every item that has not shipped yet.
func (s *orderService) CancelOrder(ctx context.Context, identity Identity, cmd CancelOrderCommand) (Order, error) {
	uid, err := identity.validate()
	if err != nil {
		return Order{}, err
	}
	reason := s.sanitizeReason(cmd.Reason)
	if reason == "" {
		reason = defaultCancelReason
	}
	return s.cancelWholeOrder(ctx, cmd.OrderID, uid, uid, reason, func(Order, time.Time) error { return nil })
}

// CancelExpired cancels a pending order whose payment window elapsed.
func (s *orderService) CancelExpired(ctx context.Context, orderID string) (Order, error) {
	return s.cancelWholeOrder(ctx, orderID, "", "system:cleanup", expiredCancelReason, func(order Order, now time.Time) error {
		if order.Status == domain.OrderStatusCancelled {
			return fmt.Errorf("%w: %s", ErrOrderAlreadyCancelled, order.ID)
		}
		if order.Status != domain.OrderStatusPending {
			return fmt.Errorf("%w: order %s is %s, not pending", ErrOrderInvalidState, order.ID, order.Status)
		}
		if order.PendingCancelAt == nil || !order.PendingCancelAt.Before(now) {
			return fmt.Errorf("%w: order %s payment window has not elapsed", ErrOrderInvalidState, order.ID)
		}
		return nil
	})
}

func (s *orderService) cancelWholeOrder(ctx context.Context, orderID, owner, actor, reason string, guard func(Order, time.Time) error) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	var cancelled []string
	var refunds map[string]int64
	var previous OrderStatus
	order, err := s.transition(ctx, orderID, owner, func(order *Order, now time.Time) error {
		cancelled, refunds, previous = nil, map[string]int64{}, order.Status
		if err := guard(*order, now); err != nil {
			return err
		}
		if order.Status == domain.OrderStatusCancelled {
			return fmt.Errorf("%w: %s", ErrOrderAlreadyCancelled, order.ID)
		}
		if slices.Contains(nonCancellableOrderStatuses, order.Status) {
			return fmt.Errorf("%w: order in status %q cannot be cancelled", ErrOrderInvalidState, order.Status)
		}
		for i := range order.Items {
			item := &order.Items[i]
			if slices.Contains(nonCancellableItemStatuses, item.Status) {
				continue
			}
			refunds[item.ID] = cancelItem(order, item, reason, now)
			cancelled = append(cancelled, item.ID)
		}
		order.Status = domain.OrderStatusCancelled
		order.CancelReason = reason
		order.PendingCancelAt = nil
		if order.PaymentStatus == domain.PaymentStatusPending {
			order.PaymentStatus = domain.PaymentStatusFailed
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	order = s.settleCancellation(ctx, order, cancelled, refunds, true)
	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventCancelled,
		OrderID:        order.ID,
		UserID:         order.UserID,
		PreviousStatus: string(previous),
		CurrentStatus:  string(order.Status),
		ActorID:        actor,
		OccurredAt:     order.UpdatedAt,
		Metadata:       map[string]any{"reason": reason, "items": len(cancelled)},
	})
	return order, nil
}

// CancelItem cancels a single item. The order follows once every item is cancelled.
func (s *orderService) CancelItem(ctx context.Context, identity Identity, cmd CancelItemCommand) (Order, OrderItem, error) {
	uid, err := identity.validate()
	if err != nil {
		return Order{}, OrderItem{}, err
	}
	orderID := strings.TrimSpace(cmd.OrderID)
	itemID := strings.TrimSpace(cmd.ItemID)
	if orderID == "" || itemID == "" {
		return Order{}, OrderItem{}, fmt.Errorf("%w: order id and item id are required", ErrOrderInvalidInput)
	}
	reason := s.sanitizeReason(cmd.Reason)
	if reason == "" {
		reason = defaultCancelReason
	}

	var refund int64
	var previous OrderStatus
	order, err := s.transition(ctx, orderID, uid, func(order *Order, now time.Time) error {
		previous = order.Status
		item, err := findItem(order, itemID)
		if err != nil {
			return err
		}
		if item.Status == domain.OrderStatusCancelled {
			return fmt.Errorf("%w: item %s", ErrOrderAlreadyCancelled, itemID)
		}
		if slices.Contains(nonCancellableItemStatuses, item.Status) {
			return fmt.Errorf("%w: item in status %q cannot be cancelled", ErrOrderInvalidState, item.Status)
		}
		refund = cancelItem(order, item, reason, now)
		if allItems(order, domain.OrderStatusCancelled) {
			order.Status = domain.OrderStatusCancelled
			order.CancelReason = reason
			order.PendingCancelAt = nil
			if order.PaymentStatus == domain.PaymentStatusPending {
				order.PaymentStatus = domain.PaymentStatusFailed
			}
		}
		return nil
	})
	if err != nil {
		return Order{}, OrderItem{}, err
	}

	orderCancelled := order.Status == domain.OrderStatusCancelled
	order = s.settleCancellation(ctx, order, []string{itemID}, map[string]int64{itemID: refund}, orderCancelled)

	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventItemCancelled,
		OrderID:        order.ID,
		ItemID:         itemID,
		UserID:         order.UserID,
		PreviousStatus: string(previous),
		CurrentStatus:  string(order.Status),
		ActorID:        uid,
		OccurredAt:     order.UpdatedAt,
		Metadata:       map[string]any{"reason": reason},
	})
	if orderCancelled {
		s.publishEvent(ctx, OrderEvent{
			Type:           orderEventCancelled,
			OrderID:        order.ID,
			UserID:         order.UserID,
			PreviousStatus: string(previous),
			CurrentStatus:  string(order.Status),
			ActorID:        uid,
			OccurredAt:     order.UpdatedAt,
			Metadata:       map[string]any{"reason": reason, "items": 1},
		})
	}

	item, _ := findItem(&order, itemID)
	return order, *item, nil
}

// RequestReturn moves a delivered order and its delivered items to return_requested.
func (s *orderService) RequestReturn(ctx context.Context, identity Identity, cmd ReturnOrderCommand) (Order, error) {
	uid, err := identity.validate()
	if err != nil {
		return Order{}, err
	}
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	reason := s.sanitizeReason(cmd.Reason)
	if reason == "" {
		return Order{}, fmt.Errorf("%w: return reason is required", ErrOrderInvalidInput)
	}

	order, err := s.transition(ctx, orderID, uid, func(order *Order, now time.Time) error {
		switch order.Status {
		case domain.OrderStatusDelivered:
		case domain.OrderStatusReturnRequested, domain.OrderStatusReturned:
			return fmt.Errorf("%w: order %s", ErrOrderReturnAlreadyRequested, order.ID)
		default:
			return fmt.Errorf("%w: order in status %q cannot be returned", ErrOrderInvalidState, order.Status)
		}
		order.Status = domain.OrderStatusReturnRequested
		order.ReturnReason = reason
		order.ReturnRequestedAt = valuePtr(now)
		for i := range order.Items {
			item := &order.Items[i]
			if item.Status != domain.OrderStatusDelivered {
				continue
			}
			item.Status = domain.OrderStatusReturnRequested
			item.ReturnReason = reason
			item.RequestedAt = valuePtr(now)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventReturnRequested,
		OrderID:        order.ID,
		UserID:         order.UserID,
		PreviousStatus: string(domain.OrderStatusDelivered),
		CurrentStatus:  string(order.Status),
		ActorID:        uid,
		OccurredAt:     order.UpdatedAt,
		Metadata:       map[string]any{"reason": reason},
	})
	return order, nil
}

func (s *orderService) RequestItemReturn(ctx context.Context, identity Identity, cmd ReturnItemCommand) (Order, OrderItem, error) {
	uid, err := identity.validate()
	if err != nil {
		return Order{}, OrderItem{}, err
	}
	orderID := strings.TrimSpace(cmd.OrderID)
	itemID := strings.TrimSpace(cmd.ItemID)
	if orderID == "" || itemID == "" {
		return Order{}, OrderItem{}, fmt.Errorf("%w: order id and item id are required", ErrOrderInvalidInput)
	}
	reason := s.sanitizeReason(cmd.Reason)
	if reason == "" {
		return Order{}, OrderItem{}, fmt.Errorf("%w: return reason is required", ErrOrderInvalidInput)
	}

	order, err := s.transition(ctx, orderID, uid, func(order *Order, now time.Time) error {
		item, err := findItem(order, itemID)
		if err != nil {
			return err
		}
		switch item.Status {
		case domain.OrderStatusDelivered:
		case domain.OrderStatusReturnRequested, domain.OrderStatusReturned:
			return fmt.Errorf("%w: item %s", ErrOrderReturnAlreadyRequested, itemID)
		default:
			return fmt.Errorf("%w: item in status %q cannot be returned", ErrOrderInvalidState, item.Status)
		}
		item.Status = domain.OrderStatusReturnRequested
		item.ReturnReason = reason
		item.RequestedAt = valuePtr(now)
		return nil
	})
	if err != nil {
		return Order{}, OrderItem{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventItemReturnRequested,
		OrderID:       order.ID,
		ItemID:        itemID,
		UserID:        order.UserID,
		CurrentStatus: string(order.Status),
		ActorID:       uid,
		OccurredAt:    order.UpdatedAt,
		Metadata:      map[string]any{"reason": reason},
	})
	item, _ := findItem(&order, itemID)
	return order, *item, nil
}

// AdvanceStatus moves an order one step along pending, processing, shipped and delivered.
func (s *orderService) AdvanceStatus(ctx context.Context, cmd AdvanceStatusCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	target := OrderStatus(strings.TrimSpace(string(cmd.TargetStatus)))
	if !slices.Contains(advanceTargets, target) {
		return Order{}, fmt.Errorf("%w: status %q cannot be set directly", ErrOrderInvalidInput, target)
	}

	var previous OrderStatus
	order, err := s.transition(ctx, orderID, "", func(order *Order, now time.Time) error {
		previous = order.Status
		if !canTransition(order.Status, target) {
			return fmt.Errorf("%w: %s -> %s", ErrOrderInvalidState, order.Status, target)
		}
		for i := range order.Items {
			if order.Items[i].Status == order.Status {
				order.Items[i].Status = target
			}
		}
		order.Status = target
		switch target {
		case domain.OrderStatusProcessing:
			order.PendingCancelAt = nil
			if order.PaymentMethod == domain.PaymentMethodOnline {
				order.PaymentStatus = domain.PaymentStatusPaid
			}
		case domain.OrderStatusDelivered:
			if order.PaymentMethod == domain.PaymentMethodCOD {
				order.PaymentStatus = domain.PaymentStatusPaid
			}
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	metadata := map[string]any{}
	if target == domain.OrderStatusDelivered && s.invoices != nil {
		object, err := s.invoices.ExportInvoice(ctx, order)
		if err != nil {
			s.logger(ctx, "order.invoice.export.failed", map[string]any{
				"orderId": order.ID,
				"error":   err.Error(),
			})
		} else {
			metadata["invoiceObject"] = object
		}
	}

	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventStatusChanged,
		OrderID:        order.ID,
		UserID:         order.UserID,
		PreviousStatus: string(previous),
		CurrentStatus:  string(order.Status),
		ActorID:        strings.TrimSpace(cmd.ActorID),
		OccurredAt:     order.UpdatedAt,
		Metadata:       metadata,
	})
	return order, nil
}

// ApproveReturn refunds requested items to the wallet before marking them returned.
// Refunds are keyed per item, so a retried approval never credits twice.
func (s *orderService) ApproveReturn(ctx context.Context, cmd ApproveReturnCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if s.wallet == nil {
		return Order{}, fmt.Errorf("%w: wallet refunds are not configured", ErrOrderUnavailable)
	}
	itemID := strings.TrimSpace(cmd.ItemID)

	current, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(ctx, orderID, err)
	}
	targets, err := returnTargets(&current, itemID)
	if err != nil {
		return Order{}, err
	}
	for _, item := range targets {
		if _, err := s.wallet.Credit(ctx, WalletEntryCommand{
			UserID:         current.UserID,
			Amount:         item.LineTotal,
			Reason:         walletReasonReturnRefund,
			RelatedOrderID: current.ID,
			IdempotencyKey: refundKey(current.ID, item.ID),
		}); err != nil {
			return Order{}, err
		}
	}
	// The last return also gives back what is left of tax and shipping.
	if residual, final := returnResidual(&current, targets); final && residual > 0 {
		if _, err := s.wallet.Credit(ctx, WalletEntryCommand{
			UserID:         current.UserID,
			Amount:         residual,
			Reason:         walletReasonReturnRefund,
			RelatedOrderID: current.ID,
			IdempotencyKey: refundKey(current.ID, "charges"),
		}); err != nil {
			return Order{}, err
		}
	}

	var previous OrderStatus
	var approved []string
	order, err := s.transition(ctx, orderID, "", func(order *Order, now time.Time) error {
		previous, approved = order.Status, nil
		for _, target := range targets {
			item, err := findItem(order, target.ID)
			if err != nil {
				return err
			}
			if item.Status != domain.OrderStatusReturnRequested {
				continue
			}
			item.Status = domain.OrderStatusReturned
			item.ApprovedAt = valuePtr(now)
			approved = append(approved, item.ID)
		}
		if len(approved) == 0 {
			return fmt.Errorf("%w: no items awaiting return approval", ErrOrderInvalidState)
		}
		if allReturned(order) {
			order.Status = domain.OrderStatusReturned
			order.PaymentStatus = domain.PaymentStatusRefunded
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventReturned,
		OrderID:        order.ID,
		ItemID:         itemID,
		UserID:         order.UserID,
		PreviousStatus: string(previous),
		CurrentStatus:  string(order.Status),
		ActorID:        strings.TrimSpace(cmd.ActorID),
		OccurredAt:     order.UpdatedAt,
		Metadata:       map[string]any{"items": approved},
	})
	return order, nil
}

// RetryRestock restores stock for cancelled items whose earlier restore did not complete.
func (s *orderService) RetryRestock(ctx context.Context, orderID string) (int, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return 0, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return 0, s.mapRepositoryError(ctx, orderID, err)
	}
	var pending []string
	for _, item := range order.Items {
		if item.Status == domain.OrderStatusCancelled && !item.StockRestored {
			pending = append(pending, item.ID)
		}
	}
	if len(pending) == 0 {
		return 0, nil
	}
	restored, err := s.restoreStock(ctx, order, pending)
	return len(restored), err
}

// settleCancellation restores stock and refunds wallet payments for freshly cancelled items.
func (s *orderService) settleCancellation(ctx context.Context, order Order, itemIDs []string, refunds map[string]int64, orderCancelled bool) Order {
	if len(itemIDs) > 0 {
		if _, err := s.restoreStock(ctx, order, itemIDs); err == nil {
			if latest, err := s.orders.FindByID(ctx, order.ID); err == nil {
				order = latest
			}
		}
	}
	if order.PaymentMethod != domain.PaymentMethodWallet || s.wallet == nil {
		return order
	}
	if order.PaymentStatus != domain.PaymentStatusPaid && order.PaymentStatus != domain.PaymentStatusRefunded {
		return order
	}
	for _, id := range itemIDs {
		s.creditWallet(ctx, order, walletReasonCancelRefund, refundKey(order.ID, id), refunds[id])
	}
	if orderCancelled {
		// tax and shipping stay on the order total until the whole order is cancelled
		s.creditWallet(ctx, order, walletReasonCancelRefund, refundKey(order.ID, "charges"), order.Totals.Total)
		updated, err := s.transition(ctx, order.ID, "", func(o *Order, _ time.Time) error {
			o.PaymentStatus = domain.PaymentStatusRefunded
			return nil
		})
		if err != nil {
			s.logger(ctx, "order.refund.mark.failed", map[string]any{"orderId": order.ID, "error": err.Error()})
			return order
		}
		order = updated
	}
	return order
}

// restoreStock returns quantities to the ledger and flags the items once the ledger confirms.
func (s *orderService) restoreStock(ctx context.Context, order Order, itemIDs []string) ([]string, error) {
	var restored []string
	var errs []error
	for _, id := range itemIDs {
		item, err := findItem(&order, id)
		if err != nil || item.StockRestored {
			continue
		}
		if _, err := s.inventory.Restore(ctx, order.ID, StockLine{
			ItemID:    item.ID,
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
		}); err != nil {
			s.logger(ctx, "order.restock.failed", map[string]any{
				"orderId": order.ID,
				"itemId":  item.ID,
				"error":   err.Error(),
			})
			errs = append(errs, err)
			continue
		}
		restored = append(restored, item.ID)
	}
	if len(restored) == 0 {
		return nil, errors.Join(errs...)
	}
	_, err := s.transition(ctx, order.ID, "", func(o *Order, _ time.Time) error {
		for _, id := range restored {
			if item, err := findItem(o, id); err == nil {
				item.StockRestored = true
			}
		}
		return nil
	})
	if err != nil {
		s.logger(ctx, "order.restock.mark.failed", map[string]any{"orderId": order.ID, "error": err.Error()})
		errs = append(errs, err)
	}
	return restored, errors.Join(errs...)
}

// transition reloads the order, applies fn and commits against the revision it read.
// An empty owner skips the ownership check for system and admin callers.
func (s *orderService) transition(ctx context.Context, orderID, owner string, fn func(order *Order, now time.Time) error) (Order, error) {
	for attempt := 1; ; attempt++ {
		order, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			return Order{}, s.mapRepositoryError(ctx, orderID, err)
		}
		if owner != "" && order.UserID != owner {
			return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		expected := order.Revision
		now := s.clock()
		if err := fn(&order, now); err != nil {
			return Order{}, err
		}
		order.UpdatedAt = now
		updated, err := s.orders.Update(ctx, order, expected)
		if err == nil {
			return updated, nil
		}
		if !isRepoConflict(err) {
			return Order{}, s.mapRepositoryError(ctx, orderID, err)
		}
		if attempt >= orderUpdateAttempts {
			return Order{}, storageFailure(ctx, s.logger, "order.update.conflict", ErrOrderConflict, orderID, err)
		}
		if err := ctx.Err(); err != nil {
			return Order{}, err
		}
	}
}

func (s *orderService) releaseReservation(ctx context.Context, orderID string, lines []StockLine) {
	if err := s.inventory.Release(ctx, orderID, lines); err != nil {
		s.logger(ctx, "order.reservation.release.failed", map[string]any{
			"orderId": orderID,
			"error":   err.Error(),
		})
	}
}

func (s *orderService) creditWallet(ctx context.Context, order Order, reason, key string, amount int64) {
	if amount <= 0 || s.wallet == nil {
		return
	}
	if _, err := s.wallet.Credit(ctx, WalletEntryCommand{
		UserID:         order.UserID,
		Amount:         amount,
		Reason:         reason,
		RelatedOrderID: order.ID,
		IdempotencyKey: key,
	}); err != nil {
		s.logger(ctx, "order.refund.failed", map[string]any{
			"orderId": order.ID,
			"key":     key,
			"amount":  amount,
			"error":   err.Error(),
		})
	}
}

func (s *orderService) sanitizeReason(raw string) string {
	reason := strings.TrimSpace(s.reasons.Sanitize(raw))
	if utf8.RuneCountInString(reason) > maxReasonRunes {
		reason = strings.TrimSpace(string([]rune(reason)[:maxReasonRunes]))
	}
	return reason
}

func (s *orderService) mapRepositoryError(ctx context.Context, orderID string, err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if !errors.As(err, &repoErr) {
		return err
	}
	switch {
	case repoErr.IsNotFound():
		return storageFailure(ctx, s.logger, "order.repository.not_found", ErrOrderNotFound, orderID, err)
	case repoErr.IsConflict():
		return storageFailure(ctx, s.logger, "order.repository.conflict", ErrOrderConflict, orderID, err)
	default:
		return storageFailure(ctx, s.logger, "order.repository.failed", ErrOrderUnavailable, orderID, err)
	}
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

// cancelItem marks the item cancelled and lowers the aggregates, returning how much Total dropped.
func cancelItem(order *Order, item *OrderItem, reason string, now time.Time) int64 {
	item.Status = domain.OrderStatusCancelled
	item.CancelReason = reason
	item.CancelledAt = valuePtr(now)

	before := order.Totals.Total
	order.Totals.Subtotal = max(0, order.Totals.Subtotal-item.LineTotal)
	order.Totals.Total = max(0, order.Totals.Total-item.LineTotal)
	return before - order.Totals.Total
}

func findItem(order *Order, itemID string) (*OrderItem, error) {
	for i := range order.Items {
		if order.Items[i].ID == itemID {
			return &order.Items[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrOrderItemNotFound, itemID)
}

func allItems(order *Order, status OrderStatus) bool {
	for _, item := range order.Items {
		if item.Status != status {
			return false
		}
	}
	return len(order.Items) > 0
}

// allReturned ignores cancelled items; at least one item must have been returned.
func allReturned(order *Order) bool {
	returned := 0
	for _, item := range order.Items {
		switch item.Status {
		case domain.OrderStatusReturned:
			returned++
		case domain.OrderStatusCancelled:
		default:
			return false
		}
	}
	return returned > 0
}

// returnResidual reports whether approving targets leaves every item returned or cancelled, and
// the part of the order total not covered by the returned line totals.
func returnResidual(order *Order, targets []OrderItem) (int64, bool) {
	approving := make(map[string]struct{}, len(targets))
	for _, item := range targets {
		approving[item.ID] = struct{}{}
	}
	residual := order.Totals.Total
	for _, item := range order.Items {
		if _, ok := approving[item.ID]; ok || item.Status == domain.OrderStatusReturned {
			residual -= item.LineTotal
			continue
		}
		if item.Status != domain.OrderStatusCancelled {
			return 0, false
		}
	}
	return max(residual, 0), true
}

func returnTargets(order *Order, itemID string) ([]OrderItem, error) {
	if itemID != "" {
		item, err := findItem(order, itemID)
		if err != nil {
			return nil, err
		}
		if item.Status == domain.OrderStatusReturned {
			return nil, fmt.Errorf("%w: item %s is already returned", ErrOrderInvalidState, itemID)
		}
		if item.Status != domain.OrderStatusReturnRequested {
			return nil, fmt.Errorf("%w: item in status %q has no return request", ErrOrderInvalidState, item.Status)
		}
		return []OrderItem{*item}, nil
	}
	var targets []OrderItem
	for _, item := range order.Items {
		if item.Status == domain.OrderStatusReturnRequested {
			targets = append(targets, item)
		}
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: no items awaiting return approval", ErrOrderInvalidState)
	}
	return targets, nil
}

func refundKey(orderID, itemID string) string {
	return "refund:" + orderID + ":" + itemID
}

func canTransition(current, target OrderStatus) bool {
	next, ok := orderStateTransitions[current]
	if !ok {
		return false
	}
	return slices.Contains(next, target)
}

func valuePtr[T any](v T) *T {
	return &v
}
