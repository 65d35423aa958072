package config

import (
	"fmt"
	"os"

	"qms/barberline/internal/models"

	"gopkg.in/yaml.v3"
)

// Seed is the directory data loaded into the in-process store.
type Seed struct {
	Users []struct {
		UserID  string `yaml:"id"`
		Balance int    `yaml:"balance"`
	} `yaml:"users"`
	Branches []struct {
		BranchID    string `yaml:"id"`
		FranchiseID string `yaml:"franchise"`
		Code        string `yaml:"code"`
		Name        string `yaml:"name"`
	} `yaml:"branches"`
	Services []struct {
		ServiceID   string `yaml:"id"`
		FranchiseID string `yaml:"franchise"`
		Name        string `yaml:"name"`
		Price       string `yaml:"price"`
	} `yaml:"services"`
	Barbers []struct {
		BarberID string `yaml:"id"`
		UserID   string `yaml:"user"`
		BranchID string `yaml:"branch"`
	} `yaml:"barbers"`
}

func LoadSeed(path string) (Seed, error) {
	var seed Seed
	if path == "" {
		return seed, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return seed, fmt.Errorf("read seed file: %w", err)
	}
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return seed, fmt.Errorf("parse seed file: %w", err)
	}
	for _, b := range seed.Branches {
		if !models.ValidBranchCode(b.Code) {
			return seed, fmt.Errorf("seed branch %s: code %q must be four uppercase letters", b.BranchID, b.Code)
		}
	}
	return seed, nil
}
