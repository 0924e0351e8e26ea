package signal

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

var codeAdjectives = []string{
	"AMBER", "BRISK", "CEDAR", "DUSTY", "EMBER",
	"FLINT", "GLOSSY", "HAZEL", "IVORY", "JOLLY",
	"KEEN", "LUCKY", "MOSSY", "NOBLE", "OAKEN",
	"PLUCKY", "QUIET", "RUSTY", "SUNNY", "TIDY",
	"UPBEAT", "VIVID", "WOOLY", "YOUNG", "ZESTY",
}

var codeNouns = []string{
	"ATTIC", "BARN", "CELLAR", "DOCK", "GARAGE",
	"GATE", "HALL", "LOFT", "NOOK", "PATIO",
	"PORCH", "SHED", "STUDIO", "TOWER", "YARD",
	"CABIN", "DEN", "FORGE", "HANGAR", "KIOSK",
}

func pick(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}

// GenerateDeviceCode creates a memorable device id in ADJECTIVE-NOUN-NN format
func GenerateDeviceCode() string {
	return fmt.Sprintf("%s-%s-%02d",
		codeAdjectives[pick(len(codeAdjectives))],
		codeNouns[pick(len(codeNouns))],
		pick(100))
}

// NormalizeDeviceID uppercases and trims a device id
func NormalizeDeviceID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// ValidateDeviceID checks that id is usable as a mailbox key and URL segment
func ValidateDeviceID(id string) error {
	if len(id) < 3 || len(id) > 64 {
		return fmt.Errorf("%w: %q must be 3-64 characters", ErrInvalidDevice, id)
	}
	for _, r := range id {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return fmt.Errorf("%w: %q contains %q", ErrInvalidDevice, id, r)
		}
	}
	if strings.HasPrefix(id, "-") || strings.HasSuffix(id, "-") {
		return fmt.Errorf("%w: %q", ErrInvalidDevice, id)
	}
	return nil
}
