package sarderr

// Code is a machine-readable rejection identifier. The string values are part of
// the public API surface and must never be reformatted.
type Code string

// Mandate verification rejections (AP2 chain).
const (
	CodeInvalidPayload                Code = "invalid_payload"
	CodeMandateExpired                Code = "mandate_expired"
	CodeDomainNotAuthorized           Code = "domain_not_authorized"
	CodeSignatureInvalid              Code = "signature_invalid"
	CodeSignatureMalformed            Code = "signature_malformed"
	CodeReplayDetected                Code = "replay_detected"
	CodeSubjectMismatch               Code = "subject_mismatch"
	CodePaymentMissingMerchantDomain  Code = "payment_missing_merchant_domain"
	CodeMerchantDomainMismatch        Code = "merchant_domain_mismatch"
	CodePaymentExceedsCartTotal       Code = "payment_exceeds_cart_total"
	CodePaymentAgentPresenceRequired  Code = "payment_agent_presence_required"
	CodePaymentInvalidModality        Code = "payment_invalid_modality"
	CodeIntentInvalidType             Code = "intent_invalid_type"
	CodeCartInvalidType               Code = "cart_invalid_type"
	CodePaymentInvalidType            Code = "payment_invalid_type"
)

// x402 verification rejections.
const (
	CodeX402ChallengeExpired    Code = "x402_challenge_expired"
	CodeX402NonceMismatch       Code = "x402_nonce_mismatch"
	CodeX402AmountMismatch      Code = "x402_amount_mismatch"
	CodeX402PaymentIDMismatch   Code = "x402_payment_id_mismatch"
	CodeX402SignatureInvalid    Code = "x402_signature_invalid"
	CodeX402VersionUnsupported  Code = "x402_version_unsupported"
)

// Policy rejections.
const (
	CodePolicyNotFound         Code = "policy_not_found"
	CodeScopeNotAllowed        Code = "scope_not_allowed"
	CodePerTransactionLimit    Code = "per_transaction_limit"
	CodeTotalLimitExceeded     Code = "total_limit_exceeded"
	CodeTimeWindowLimit        Code = "time_window_limit"
	CodeMerchantDenied         Code = "merchant_denied"
	CodeMerchantNotAllowlisted Code = "merchant_not_allowlisted"
	CodeMerchantCapExceeded    Code = "merchant_cap_exceeded"
	CodeMerchantDailyLimit     Code = "merchant_daily_limit"
)

// Group policy rejections. Each mirrors an agent-level rejection with a group_ prefix.
const (
	CodeGroupMerchantBlocked      Code = "group_merchant_blocked"
	CodeGroupPerTransactionLimit  Code = "group_per_transaction_limit"
	CodeGroupDailyLimit           Code = "group_daily_limit"
	CodeGroupMonthlyLimit         Code = "group_monthly_limit"
	CodeGroupTotalLimit           Code = "group_total_limit"
)

// Compliance rejections.
const (
	CodeComplianceBlocked   Code = "compliance_blocked"
	CodeSanctionsScreening  Code = "sanctions_screening"
	CodeKYCVerification     Code = "kyc_verification"
)

// Execution rejections.
const (
	CodeIdempotencyConflict   Code = "idempotency_conflict"
	CodeIdempotencyInProgress Code = "idempotency_in_progress"
	CodeWalletBusy            Code = "wallet_busy"
	CodeSettlementTimeout     Code = "settlement_timeout"
)

// Velocity rejections.
const (
	CodeVelocityLimitMinute Code = "velocity_limit_minute"
	CodeVelocityLimitHour   Code = "velocity_limit_hour"
	CodeVelocityLimitDay    Code = "velocity_limit_day"
)

// Transient conditions surfaced by rail adapters. These are retried by the
// adapter itself and never returned to API callers.
const (
	CodeRPCTimeout   Code = "rpc_timeout"
	CodeNonceStale   Code = "nonce_stale"
	CodeRPCError     Code = "rpc_error"
	CodeNetworkError Code = "network_error"
)

// Internal failures.
const (
	CodeInternalError Code = "internal_error"
	CodeStorageError  Code = "storage_error"
)

// IsRetryable reports whether a code represents a transient condition that the
// calling adapter may retry. Domain rejections are never retryable.
func (c Code) IsRetryable() bool {
	switch c {
	case CodeRPCTimeout, CodeNonceStale, CodeRPCError, CodeNetworkError:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a rejection code to the status the intake surface responds with.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidPayload,
		CodeIntentInvalidType,
		CodeCartInvalidType,
		CodePaymentInvalidType,
		CodePaymentMissingMerchantDomain,
		CodePaymentInvalidModality:
		return 400

	case CodeMandateExpired,
		CodeSignatureInvalid,
		CodeSignatureMalformed,
		CodeReplayDetected,
		CodeSubjectMismatch,
		CodeMerchantDomainMismatch,
		CodePaymentExceedsCartTotal,
		CodePaymentAgentPresenceRequired,
		CodeX402ChallengeExpired,
		CodeX402NonceMismatch,
		CodeX402AmountMismatch,
		CodeX402PaymentIDMismatch,
		CodeX402SignatureInvalid,
		CodeX402VersionUnsupported:
		return 402

	case CodeDomainNotAuthorized,
		CodePolicyNotFound,
		CodeScopeNotAllowed,
		CodePerTransactionLimit,
		CodeTotalLimitExceeded,
		CodeTimeWindowLimit,
		CodeMerchantDenied,
		CodeMerchantNotAllowlisted,
		CodeMerchantCapExceeded,
		CodeMerchantDailyLimit,
		CodeGroupMerchantBlocked,
		CodeGroupPerTransactionLimit,
		CodeGroupDailyLimit,
		CodeGroupMonthlyLimit,
		CodeGroupTotalLimit,
		CodeComplianceBlocked,
		CodeSanctionsScreening,
		CodeKYCVerification:
		return 403

	case CodeIdempotencyConflict:
		return 409

	case CodeIdempotencyInProgress, CodeWalletBusy:
		return 423

	case CodeVelocityLimitMinute, CodeVelocityLimitHour, CodeVelocityLimitDay:
		return 429

	case CodeRPCTimeout, CodeNonceStale, CodeRPCError, CodeNetworkError:
		return 502

	default:
		return 500
	}
}
