package service

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"fmt"

	"github.com/iurnickita/loyalty/internal/store"
)

const (
	codeBytes    = 16
	codeAttempts = 5
)

var codeEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// generateCode returns 128 random bits as 26 upper-case base32 characters.
func generateCode() (string, error) {
	buf := make([]byte, codeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return codeEncoding.EncodeToString(buf), nil
}

// newCode draws codes until one is not yet issued. Running out of draws is a
// collision, which the ledger append retries from scratch. The store's unique
// index still decides the race between two writers drawing the same code.
func (service *service) newCode(ctx context.Context) (string, error) {
	for i := 0; i < codeAttempts; i++ {
		code, err := service.generate()
		if err != nil {
			return "", err
		}
		exists, err := service.store.RedemptionCodeExists(ctx, code)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
	return "", fmt.Errorf("%w: %d draws already issued", store.ErrCodeCollision, codeAttempts)
}
