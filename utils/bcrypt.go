package utils

import "golang.org/x/crypto/bcrypt"

// HashPassword hashes at a cost tunable through BCRYPT_COST so seed and
// test environments can run cheap rounds. Out-of-range values fall back
// to the library default.
func HashPassword(s string) ([]byte, error) {
	cost := IntFromEnv("BCRYPT_COST", bcrypt.DefaultCost)
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return bcrypt.GenerateFromPassword([]byte(s), cost)
}

func ComparePassword(hashed string, normal string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(normal))
}
