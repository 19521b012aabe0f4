package domain

import (
	interfaces "syncshell/internal/domain/interfaces"
	types "syncshell/internal/domain/types"
)

// Type aliases expose domain types from the types subpackage for compact imports.
type (
	GroupHash      = types.GroupHash
	Fingerprint    = types.Fingerprint
	SubjectID      = types.SubjectID
	Role           = types.Role
	GroupRecord    = types.GroupRecord
	NodeIdentity   = types.NodeIdentity
	PayloadEntry   = types.PayloadEntry
	Ed25519Public  = types.Ed25519Public
	Ed25519Private = types.Ed25519Private
)

// Role values.
const (
	RoleOwner  = types.RoleOwner
	RoleMember = types.RoleMember
)

// Interface aliases expose domain interfaces from the interfaces subpackage.
type (
	Transport        = interfaces.Transport
	TransportFactory = interfaces.TransportFactory
	IdentityStore    = interfaces.IdentityStore
	GroupStore       = interfaces.GroupStore
	AnswerRelay      = interfaces.AnswerRelay
	PayloadProvider  = interfaces.PayloadProvider
	IdentityService  = interfaces.IdentityService
)
