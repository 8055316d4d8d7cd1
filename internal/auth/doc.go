// ABOUTME: Package documentation for auth
// ABOUTME: Token verification contract consumed by the session layer

// Package auth implements the token-validation collaborator: session
// connections present a bearer JWT at connect time, and Verify maps it to an
// authenticated Identity (user ID plus roles) or a token error.
package auth
