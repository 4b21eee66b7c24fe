// Package auth adapts upstream identity and application access checks
// for the real-time endpoints. Authentication happens in front of Lookout;
// the authenticated user id arrives in a trusted header.
package auth
