// Package auth provides account provisioning, session issuance, and the
// local-password fallback for the authentication gateway.
//
// # Sessions
//
// A successful SSO validation is turned into a session credential:
//
//	issuer := auth.NewIssuer(users, sessions, auth.RoleRequester)
//	cred, err := issuer.IssueSession(identity)
//	// cred.Token format: adg_[base64url(32 random bytes)]
//	// stored server-side as SHA256(token)
//
// Accounts are found-or-created inside one transaction, matching first on
// email and then on the (external ID, provider) pair, so a user whose email
// changes at the IdP keeps their account. Deactivated accounts never receive
// sessions.
//
// # Local Fallback
//
// LocalAuthenticator verifies a bcrypt password for accounts that are
// SSO-linked and carry a local credential. It is the degraded-mode path only;
// accounts without an SSO linkage are rejected identically to unknown ones.
package auth
