package domain

// QuoteLine is a priced, purchasable line that survived availability filtering.
type QuoteLine struct {
	ProductID string
	Name      string
	Quantity  int
	UnitPrice int64
	LineTotal int64
}

// PricingBreakdown captures the aggregated monetary results of pricing a set of lines.
type PricingBreakdown struct {
	Currency string
	Subtotal int64
	Tax      int64
	Shipping int64
	Discount int64
	Total    int64
}

// Totals converts the breakdown into the order aggregate snapshot.
func (b PricingBreakdown) Totals() OrderTotals {
	return OrderTotals{
		Subtotal: b.Subtotal,
		Tax:      b.Tax,
		Shipping: b.Shipping,
		Discount: b.Discount,
		Total:    b.Total,
	}
}

// CheckoutQuote is the validated result of checkout calculation, ready to become an order.
type CheckoutQuote struct {
	UserID        string
	Lines         []QuoteLine
	Skipped       []string
	Pricing       PricingBreakdown
	Address       Address
	PaymentMethod PaymentMethod
	FromCart      bool
}
