// Package auth implements the login gate that sits in front of the
// dispatcher. Each (chatbot, end user) pair moves through
//
//	anonymous -> pending(step) -> authenticated -> anonymous (on expiry)
//
// Steps come from the package's core.AuthGuard and are submitted strictly in
// order. All state changes happen inside AuthStateStore.UpdateAuthState so
// concurrent submissions for the same key never lose an update.
package auth
