// Package burner defines the protocol contracts shared by the burner chat
// client core, its transports, and the development ledger: agent identity
// keys, profile and membership records, push signals, collaborator
// interfaces, and the sentinel errors callers match with errors.Is.
package burner
