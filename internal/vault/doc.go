// Package vault keeps the offline session: a credential token and user
// profile that stay usable with no network for a bounded window.
//
// # Sliding Window
//
// Cache stamps a record that expires DefaultWindow (seven days) later. Each
// confirmed network contact calls RefreshExpiry, which moves the expiry to
// now + window. A device that reconnects at least once a week never loses its
// session; one that stays dark longer is signed out on the next read.
//
//	v := vault.New(cacheStore)
//	v.Cache(ctx, token, user)
//	...
//	if !v.HasValid(ctx) {
//	    // offline and expired: require sign-in
//	}
//
// # Rehydration
//
// WithTokenSource lets Get rebuild a missing record from a bare JWT that
// survived elsewhere (for example a token file written by "outpost login").
// Identity is read with ParseClaims, which does not verify the signature.
//
// # Sealing
//
// WithSealKey encrypts the stored record with NaCl secretbox so the token is
// not readable from the SQLite file. A sealed record that fails to open is
// cleared.
package vault
