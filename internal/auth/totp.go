package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	backupCodeCount  = 10
	backupCodeLength = 10
	backupAlphabet   = "0123456789abcdefghjkmnpqrstvwxyz"
)

var totpOpts = totp.ValidateOpts{
	Period:    30,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

func generateTOTPKey(issuer, account string) (*otp.Key, error) {
	return totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      totpOpts.Period,
		Digits:      totpOpts.Digits,
		Algorithm:   totpOpts.Algorithm,
	})
}

// matchTOTP accepts the code for the current 30s step or one step either
// side and returns the step it matched. Callers record the step so a code
// is accepted once.
func matchTOTP(secret, code string, at time.Time) (int64, bool) {
	if secret == "" || len(code) != int(totpOpts.Digits) {
		return 0, false
	}
	period := int64(totpOpts.Period)
	current := at.UTC().Unix() / period
	exact := totpOpts
	exact.Skew = 0
	for step := current - int64(totpOpts.Skew); step <= current+int64(totpOpts.Skew); step++ {
		ok, err := totp.ValidateCustom(code, secret, time.Unix(step*period, 0).UTC(), exact)
		if err == nil && ok {
			return step, true
		}
	}
	return 0, false
}

// newBackupCodes returns display codes (xxxxx-xxxxx) and their digests, in order.
func newBackupCodes() (codes, digests []string, err error) {
	codes = make([]string, 0, backupCodeCount)
	digests = make([]string, 0, backupCodeCount)
	buf := make([]byte, backupCodeLength)
	for i := 0; i < backupCodeCount; i++ {
		if _, err := rand.Read(buf); err != nil {
			return nil, nil, fmt.Errorf("generate backup code: %w", err)
		}
		raw := make([]byte, backupCodeLength)
		for j, b := range buf {
			raw[j] = backupAlphabet[b&31]
		}
		code := string(raw[:5]) + "-" + string(raw[5:])
		codes = append(codes, code)
		digests = append(digests, digestBackupCode(code))
	}
	return codes, digests, nil
}

func normalizeBackupCode(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	return strings.NewReplacer("-", "", " ", "").Replace(code)
}

func looksLikeBackupCode(code string) bool {
	n := normalizeBackupCode(code)
	if len(n) != backupCodeLength {
		return false
	}
	for _, r := range n {
		if !strings.ContainsRune(backupAlphabet, r) {
			return false
		}
	}
	return true
}

func digestBackupCode(code string) string {
	sum := sha256.Sum256([]byte(normalizeBackupCode(code)))
	return hex.EncodeToString(sum[:])
}
