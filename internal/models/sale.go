package models

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	apperrors "github.com/kimhsiao/posync/backend/internal/errors"
)

// Sale is the payload a point-of-sale terminal records when a sale is finalized.
// It is serialized as-is into QueuedTransaction.Payload.
type Sale struct {
	TenantID      string     `json:"tenant_id" validate:"required,max=64"`
	ReceiptNumber string     `json:"receipt_number" validate:"required,max=64"`
	SoldAt        time.Time  `json:"sold_at" validate:"required"`
	Currency      string     `json:"currency" validate:"required,iso4217"`
	CashierID     string     `json:"cashier_id,omitempty" validate:"omitempty,max=64"`
	CustomerID    string     `json:"customer_id,omitempty" validate:"omitempty,max=64"`
	Note          string     `json:"note,omitempty" validate:"max=500"`
	Lines         []SaleLine `json:"lines" validate:"required,min=1,dive"`
	Payments      []Payment  `json:"payments" validate:"required,min=1,dive"`
}

// SaleLine is one item line of a sale. Discount is an absolute amount for the
// whole line; TaxRate is a percentage applied after discount.
type SaleLine struct {
	SKU       string          `json:"sku" validate:"required,max=64"`
	Name      string          `json:"name" validate:"required,max=200"`
	Quantity  decimal.Decimal `json:"quantity" validate:"gt=0"`
	UnitPrice decimal.Decimal `json:"unit_price" validate:"gte=0"`
	Discount  decimal.Decimal `json:"discount" validate:"gte=0"`
	TaxRate   decimal.Decimal `json:"tax_rate" validate:"gte=0,lte=100"`
}

// Payment is one tender applied to a sale.
type Payment struct {
	Method    string          `json:"method" validate:"required,oneof=cash card mobile voucher"`
	Amount    decimal.Decimal `json:"amount" validate:"gt=0"`
	Reference string          `json:"reference,omitempty" validate:"max=128"`
}

// SaleTotals are the amounts derived from a sale's lines and payments.
type SaleTotals struct {
	Subtotal decimal.Decimal `json:"subtotal"`
	Tax      decimal.Decimal `json:"tax"`
	Total    decimal.Decimal `json:"total"`
	Paid     decimal.Decimal `json:"paid"`
	Change   decimal.Decimal `json:"change"`
}

var (
	hundred  = decimal.NewFromInt(100)
	validate = newValidator()
)

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterStructValidation(saleLineDiscount, SaleLine{})
	return v
}

func saleLineDiscount(sl validator.StructLevel) {
	line := sl.Current().Interface().(SaleLine)
	if line.Discount.GreaterThan(line.Quantity.Mul(line.UnitPrice)) {
		sl.ReportError(line.Discount, "discount", "Discount", "lte_gross", "")
	}
}

// LineTotals returns the net amount (after discount) and tax for a line.
func (l SaleLine) LineTotals() (net, tax decimal.Decimal) {
	net = l.Quantity.Mul(l.UnitPrice).Sub(l.Discount)
	tax = net.Mul(l.TaxRate).Div(hundred).Round(2)
	return net.Round(2), tax
}

// Totals computes subtotal, tax, total, paid and change.
func (s *Sale) Totals() SaleTotals {
	var t SaleTotals
	for _, line := range s.Lines {
		net, tax := line.LineTotals()
		t.Subtotal = t.Subtotal.Add(net)
		t.Tax = t.Tax.Add(tax)
	}
	t.Total = t.Subtotal.Add(t.Tax)
	for _, p := range s.Payments {
		t.Paid = t.Paid.Add(p.Amount)
	}
	if t.Paid.GreaterThan(t.Total) {
		t.Change = t.Paid.Sub(t.Total)
	}
	return t
}

// Validate checks field constraints and that payments cover the total.
func (s *Sale) Validate() error {
	if err := validate.Struct(s); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return apperrors.Wrap(apperrors.ErrValidation, strings.Join(fields, "; "), err)
		}
		return apperrors.Wrap(apperrors.ErrValidation, "sale is invalid", err)
	}

	totals := s.Totals()
	if totals.Paid.LessThan(totals.Total) {
		return apperrors.New(apperrors.ErrValidation,
			fmt.Sprintf("payments %s do not cover total %s", totals.Paid.StringFixed(2), totals.Total.StringFixed(2)))
	}
	return nil
}

// ParseSale decodes a sale from JSON.
func ParseSale(data []byte) (*Sale, error) {
	var sale Sale
	if err := json.Unmarshal(data, &sale); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "sale is not valid JSON", err)
	}
	return &sale, nil
}

// Payload marshals the validated sale together with its computed totals.
func (s *Sale) Payload() (json.RawMessage, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	body := struct {
		*Sale
		Totals SaleTotals `json:"totals"`
	}{Sale: s, Totals: s.Totals()}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to marshal sale", err)
	}
	return data, nil
}
