package utils

import (
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestHashPasswordCostFromEnv(t *testing.T) {
	t.Setenv("BCRYPT_COST", "4")
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	cost, err := bcrypt.Cost(hash)
	if err != nil || cost != 4 {
		t.Fatalf("cost = %d err=%v, want 4", cost, err)
	}
	if err := ComparePassword(string(hash), "s3cret"); err != nil {
		t.Fatalf("compare: %v", err)
	}
	if err := ComparePassword(string(hash), "wrong"); err == nil {
		t.Fatal("wrong password must not match")
	}
}

func TestHashPasswordCostOutOfRange(t *testing.T) {
	t.Setenv("BCRYPT_COST", "99")
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	cost, err := bcrypt.Cost(hash)
	if err != nil || cost != bcrypt.DefaultCost {
		t.Fatalf("cost = %d err=%v, want default %d", cost, err, bcrypt.DefaultCost)
	}
}
