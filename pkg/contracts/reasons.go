package contracts

// Stable reason codes surfaced in policy verdicts and RFC 7807 errors.
// Codes are part of the public API and never renamed.
const (
	// Policy denials.
	ReasonSchemeNotHTTPS    = "HEL_SCHEME_NOT_HTTPS"
	ReasonHostNotAllowed    = "HEL_HOST_NOT_ALLOWED"
	ReasonResolvedLoopback  = "HEL_RESOLVED_LOOPBACK"
	ReasonResolvedPrivate   = "HEL_RESOLVED_PRIVATE"
	ReasonResolvedLinkLocal = "HEL_RESOLVED_LINKLOCAL"
	ReasonNoResolution      = "HEL_NO_RESOLUTION"
	ReasonResolutionFailed  = "HEL_RESOLUTION_FAILED"

	// Fallback repair quota.
	ReasonFallbackDisabled = "FALLBACK_DISABLED"
	ReasonFUQuotaExceeded  = "FU_QUOTA_EXCEEDED"

	// Auth and idempotency.
	ReasonMissingKey  = "MISSING_KEY"
	ReasonInvalidKey  = "INVALID_KEY"
	ReasonMissingIdem = "MISSING_IDEM"

	// Validation and repair.
	ReasonInputSchemaInvalid    = "INPUT_SCHEMA_INVALID"
	ReasonOutputSchemaInvalid   = "OUTPUT_SCHEMA_INVALID"
	ReasonArgumentsUnparseable  = "ARGUMENTS_UNPARSEABLE"
	ReasonUnknownPayloadType    = "UNKNOWN_PAYLOAD_TYPE"
	ReasonUnknownTargetType     = "UNKNOWN_TARGET_TYPE"
	ReasonChainConflict         = "CHAIN_CONFLICT"
	ReasonSemanticViolationBase = "SEMANTIC_VIOLATION"
)

// SemanticViolationReason builds the "SEMANTIC_VIOLATION:<rule>" code for
// the invariant rule that rejected a repair.
func SemanticViolationReason(rule string) string {
	return ReasonSemanticViolationBase + ":" + rule
}
