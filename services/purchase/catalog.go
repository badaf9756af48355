package purchase

import "fmt"

// Package is one purchasable credit bundle. Prices are whole currency units:
// stars for the Telegram flow, rubles for the card provider.
type Package struct {
	ID         string `json:"id"`
	Credits    int64  `json:"credits"`
	Bonus      int64  `json:"bonus,omitempty"`
	PriceStars int64  `json:"price_stars"`
	PriceRUB   int64  `json:"price_rub"`
	Title      string `json:"title"`
	Popular    bool   `json:"popular,omitempty"`
}

// TotalCredits is what the buyer actually receives, bonus included.
func (p Package) TotalCredits() int64 {
	return p.Credits + p.Bonus
}

// InvoicePayload is the opaque string carried through the Stars invoice and
// echoed back on the successful payment.
func (p Package) InvoicePayload(userID int64) string {
	return fmt.Sprintf("credits_%s_%d", p.ID, userID)
}

var packages = []Package{
	{ID: "package_1", Credits: 10, PriceStars: 79, PriceRUB: 79, Title: "1 video generation (10 credits)"},
	{ID: "package_5", Credits: 50, PriceStars: 399, PriceRUB: 399, Title: "5 video generations (50 credits)"},
	{ID: "package_10", Credits: 100, PriceStars: 749, PriceRUB: 749, Title: "10 video generations (100 credits)", Popular: true},
	{ID: "package_50", Credits: 500, PriceStars: 3499, PriceRUB: 3499, Title: "50 video generations (500 credits)", Bonus: 50},
}

// Catalog returns the purchasable packages in display order.
func Catalog() []Package {
	out := make([]Package, len(packages))
	copy(out, packages)
	return out
}

// FindPackage looks a package up by id.
func FindPackage(id string) (Package, bool) {
	for _, p := range packages {
		if p.ID == id {
			return p, true
		}
	}
	return Package{}, false
}
