package utils

import (
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/anjiri1684/groupgate/models"
	"gorm.io/gorm"
)

const referenceSuffixLength = 6
const letterBytes = "abcdefghijklmnopqrstuvwxyz0123456789"

// GenerateUniqueReference returns a gateway reference like "grp-lr3k9x2a-q8z1mx"
// that no stored payment uses yet.
func GenerateUniqueReference(tx *gorm.DB, prefix string) (string, error) {
	seededRand := rand.New(rand.NewSource(time.Now().UnixNano()))

	for {
		b := make([]byte, referenceSuffixLength)
		for i := range b {
			b[i] = letterBytes[seededRand.Intn(len(letterBytes))]
		}
		ref := strings.Join([]string{prefix, strconv.FormatInt(time.Now().UnixMilli(), 36), string(b)}, "-")

		var count int64
		if err := tx.Model(&models.Payment{}).Where("gateway_ref = ?", ref).Count(&count).Error; err != nil {
			return "", err
		}
		if count == 0 {
			return ref, nil
		}
	}
}

// PayoutReference is the transfer reference for a payment's payout. Every attempt reuses it
// so the gateway can tell a retry from a new transfer.
func PayoutReference(paymentID string) string {
	return "po_" + strings.ReplaceAll(paymentID, "-", "")
}
