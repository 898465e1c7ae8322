package session

import "github.com/ledgerdesk/sessiond/internal/gateway"

// SuccessPolicy judges whether a verification response counts as success.
//
// The backend contract is ambiguous: some deployments send an explicit
// success flag, others only prove success by the presence of a token. Until
// the contract is confirmed the predicate is injectable so both readings
// stay testable. Regardless of the policy's verdict, completion additionally
// requires a non-empty access token, since a session cannot be authenticated
// without one.
type SuccessPolicy func(*gateway.VerifyResult) bool

// FlagThenToken honours an explicit success flag when present and falls
// back to token presence when the flag is absent. This is the default.
func FlagThenToken(r *gateway.VerifyResult) bool {
	if r.Success != nil {
		return *r.Success
	}
	return r.AccessToken != ""
}

// TokenOnly ignores the flag entirely: a response succeeded exactly when it
// carried a token.
func TokenOnly(r *gateway.VerifyResult) bool {
	return r.AccessToken != ""
}

// PolicyByName maps a configured policy name to its predicate. Unknown
// names get the default.
func PolicyByName(name string) SuccessPolicy {
	if name == "token_only" {
		return TokenOnly
	}
	return FlagThenToken
}
