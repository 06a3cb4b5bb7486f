package crypto

import (
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// TOTP codes step every 30 seconds; verification accepts a wide skew window
// so emailed codes survive delivery delay.
const (
	totpPeriod = 30
	totpSkew   = 60
)

// NewTOTPSeed provisions a fresh base32 TOTP secret for a user.
func NewTOTPSeed(email string) (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      "AGiXT",
		AccountName: email,
	})
	if err != nil {
		return "", err
	}
	return key.Secret(), nil
}

// GenerateTOTP produces the current code for a seed.
func GenerateTOTP(seed string, at time.Time) (string, error) {
	return totp.GenerateCodeCustom(seed, at, totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
}

// VerifyTOTP checks a code against a seed within the skew window.
func VerifyTOTP(code, seed string, at time.Time) bool {
	ok, err := totp.ValidateCustom(code, seed, at, totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}
