package utils

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"time"
)

const (
	// OTPExpiration is how long a one-time code stays valid.
	OTPExpiration = 5 * time.Minute
)

var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{7,14}$`)

// IsE164 reports whether phone is a valid E.164 number (+243...).
func IsE164(phone string) bool {
	return e164Pattern.MatchString(phone)
}

// GenerateOTP returns a random 6-digit one-time code.
func GenerateOTP() string {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		// crypto/rand only fails when the OS entropy source is broken.
		panic(err)
	}
	return fmt.Sprintf("%06d", n.Int64()+100000)
}
