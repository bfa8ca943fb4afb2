// Package auth provides token verification and workflow access checks.
//
// Implementations:
//   - JWTVerifier: HS256 access tokens carrying sub and username claims
//   - StoreAccessChecker: grants access from the workflow document's owner,
//     collaborators and public flag
package auth
