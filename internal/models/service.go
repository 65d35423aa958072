package models

import "github.com/shopspring/decimal"

type Service struct {
	ServiceID   string          `json:"service_id"`
	FranchiseID string          `json:"franchise_id"`
	Name        string          `json:"name"`
	Price       decimal.Decimal `json:"price"`
}

type Branch struct {
	BranchID    string `json:"branch_id"`
	FranchiseID string `json:"franchise_id"`
	Code        string `json:"code"`
	Name        string `json:"name"`
}

// Barber links a staff user to the branch they work at.
type Barber struct {
	BarberID string `json:"barber_id"`
	UserID   string `json:"user_id"`
	BranchID string `json:"branch_id"`
}

// ValidBranchCode reports whether code is four uppercase ASCII letters, the
// prefix every ticket number starts with.
func ValidBranchCode(code string) bool {
	if len(code) != 4 {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < 'A' || code[i] > 'Z' {
			return false
		}
	}
	return true
}
