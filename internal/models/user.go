package models

import "strings"

// Verification levels stored in users.is_verified
const (
	VerificationNone      = 0
	VerificationSubmitted = 1
	VerificationApproved  = 2
	VerificationRejected  = 3
)

// AccountStatusSuspended marks an account blocked by an administrator
const AccountStatusSuspended = "Suspend"

// User is the KYC view of an account, owned by the identity service
type User struct {
	WalletAddress string  `json:"wallet_address" db:"wallet_address"`
	Email         string  `json:"email" db:"email"`
	FullName      string  `json:"fullname" db:"fullname"`
	KYCCompleted  bool    `json:"kyc_completed" db:"kyc_completed"`
	IsVerified    int     `json:"is_verified" db:"is_verified"`
	Status        string  `json:"status" db:"status"`
	ReferredBy    *string `json:"referred_by,omitempty" db:"referred_by"`
}

// Suspended reports whether the account is suspended
func (u *User) Suspended() bool {
	return strings.EqualFold(u.Status, AccountStatusSuspended)
}

// Verified reports whether KYC was approved
func (u *User) Verified() bool {
	return u.IsVerified == VerificationApproved
}
