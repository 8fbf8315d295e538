package validation

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/ereporting/internal/payload"
	"github.com/odyssey-erp/ereporting/internal/source"
)

var (
	vatNumberPattern = regexp.MustCompile(`^[A-Z]{2}[0-9A-Z+*]{2,13}$`)
	sirenPattern     = regexp.MustCompile(`^[0-9]{9}$`)
	trackingPattern  = regexp.MustCompile(`^[A-Z0-9][A-Z0-9_-]{2,63}$`)
)

var euCountries = map[string]struct{}{
	"AT": {}, "BE": {}, "BG": {}, "CY": {}, "CZ": {}, "DE": {}, "DK": {}, "EE": {}, "ES": {},
	"FI": {}, "FR": {}, "GR": {}, "HR": {}, "HU": {}, "IE": {}, "IT": {}, "LT": {}, "LU": {},
	"LV": {}, "MT": {}, "NL": {}, "PL": {}, "PT": {}, "RO": {}, "SE": {}, "SI": {}, "SK": {},
}

// NormalizeVAT strips separators and uppercases a VAT number.
func NormalizeVAT(v string) string {
	return strings.ToUpper(strings.NewReplacer(" ", "", ".", "", "-", "").Replace(strings.TrimSpace(v)))
}

// ValidVATNumber checks the intra-community VAT number format.
func ValidVATNumber(v string) bool {
	return vatNumberPattern.MatchString(NormalizeVAT(v))
}

// ValidSIREN checks the 9 digit company identifier and its Luhn key.
func ValidSIREN(v string) bool {
	v = strings.ReplaceAll(strings.TrimSpace(v), " ", "")
	if !sirenPattern.MatchString(v) {
		return false
	}
	sum := 0
	for i := 0; i < len(v); i++ {
		d := int(v[len(v)-1-i] - '0')
		if i%2 == 1 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
	}
	return sum%10 == 0
}

// ValidTrackingID checks the gateway tracking identifier format.
func ValidTrackingID(v string) bool {
	return trackingPattern.MatchString(v)
}

// IsEU reports whether the country belongs to the EU VAT area.
func IsEU(country string) bool {
	_, ok := euCountries[strings.ToUpper(strings.TrimSpace(country))]
	return ok
}

// Classify decides whether a transaction is reported as a consumer sale or
// as a cross-border business transaction.
func Classify(tx source.Transaction, company source.Company, op payload.Operation) payload.Scope {
	if op == payload.OperationPurchase {
		return payload.ScopeInternational
	}
	partner := strings.ToUpper(strings.TrimSpace(tx.Partner.CountryCode))
	home := strings.ToUpper(strings.TrimSpace(company.CountryCode))
	if strings.TrimSpace(tx.Partner.VATNumber) != "" && partner != "" && partner != home {
		return payload.ScopeInternational
	}
	return payload.ScopeB2C
}

// TransactionContext describes the flow a transaction is checked against.
type TransactionContext struct {
	Company   source.Company
	Operation payload.Operation
	Scope     payload.Scope
}

// CheckTransaction returns the reasons a transaction must be excluded from a
// declaration. An empty result means the transaction is reportable.
func CheckTransaction(tx source.Transaction, c TransactionContext) []string {
	var reasons []string
	if !tx.Posted {
		reasons = append(reasons, "transaction is not posted")
	}
	if len(tx.Lines) == 0 {
		reasons = append(reasons, "transaction has no taxable lines")
	}
	if strings.TrimSpace(tx.Currency) == "" {
		reasons = append(reasons, "transaction currency is missing")
	}
	scope := Classify(tx, c.Company, c.Operation)
	if c.Scope != "" && !c.Scope.Covers(scope) {
		reasons = append(reasons, "transaction scope "+string(scope)+" does not match flow scope "+string(c.Scope))
	}
	if scope == payload.ScopeInternational {
		if strings.TrimSpace(tx.Partner.CountryCode) == "" {
			reasons = append(reasons, "partner country is missing")
		}
		switch vat := strings.TrimSpace(tx.Partner.VATNumber); {
		case vat == "":
			reasons = append(reasons, "partner VAT number is missing")
		case !ValidVATNumber(vat):
			reasons = append(reasons, "partner VAT number "+vat+" is invalid")
		}
		if country := tx.Partner.CountryCode; country != "" && !IsEU(country) {
			rep := tx.FiscalRepresentative
			if rep == nil || strings.TrimSpace(rep.Name) == "" || strings.TrimSpace(rep.VATNumber) == "" {
				reasons = append(reasons, "fiscal representative is required for non-EU partner")
			}
		}
	}
	for _, v := range tx.Violations {
		if v = strings.TrimSpace(v); v != "" {
			reasons = append(reasons, v)
		}
	}
	return reasons
}

func twoDecimals(d decimal.Decimal) bool {
	return d.Equal(d.Round(2))
}
