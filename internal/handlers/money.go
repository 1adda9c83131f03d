package handlers

import (
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	defaultCurrency = "INR"
	defaultLocale   = "en-IN"
)

// moneyPayload pairs an exact minor-unit amount with a locale formatted label.
type moneyPayload struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Display  string `json:"display"`
}

// moneyFormatter renders minor-unit amounts for a single currency.
type moneyFormatter struct {
	code string
	unit currency.Unit
	exp  int32
}

func newMoneyFormatter(code string) moneyFormatter {
	code = strings.ToUpper(strings.TrimSpace(code))
	unit, err := currency.ParseISO(code)
	if err != nil {
		code = defaultCurrency
		unit = currency.INR
	}
	scale, _ := currency.Standard.Rounding(unit)
	return moneyFormatter{code: code, unit: unit, exp: -int32(scale)}
}

func (f moneyFormatter) format(locale string, minor int64) moneyPayload {
	tag, err := language.Parse(strings.TrimSpace(locale))
	if err != nil || tag == language.Und {
		tag = language.MustParse(defaultLocale)
	}
	major := decimal.New(minor, f.exp).InexactFloat64()
	printer := message.NewPrinter(tag)
	return moneyPayload{
		Amount:   minor,
		Currency: f.code,
		Display:  printer.Sprint(currency.Symbol(f.unit.Amount(major))),
	}
}
