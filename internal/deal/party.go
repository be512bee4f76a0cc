package deal

import (
	"strings"

	"github.com/pmattes/escrowd/internal/validation"
)

// Role is a caller's relationship to a deal.
type Role int

const (
	RoleNone Role = iota
	RoleBuyer
	RoleSeller
)

// resolveParty resolves a caller against the deal's buyer/seller roles.
//
// A deal may carry only a seller tag with the seller identity unbound.
// The first caller whose handle matches the tag case-insensitively, and
// who is not the buyer, is bound as the seller. The returned bound flag
// tells the caller a binding was applied in memory; persisting it goes
// through the same compare-and-swap update as any other mutation, so two
// near-simultaneous matching callers cannot both win.
//
// After binding only exact identity match grants the seller role; the
// handle is never consulted again.
func resolveParty(d *Deal, c Caller, botHandle string) (role Role, bound bool) {
	if c.ID == d.BuyerID {
		return RoleBuyer, false
	}
	if d.SellerID != UnboundSeller {
		if c.ID == d.SellerID {
			return RoleSeller, false
		}
		return RoleNone, false
	}

	handle := validation.SanitizeHandle(c.Handle)
	if handle == "" || !handleMatches(handle, d.SellerTag) {
		return RoleNone, false
	}
	if botHandle != "" && handle == validation.SanitizeHandle(botHandle) {
		return RoleNone, false
	}

	d.SellerID = c.ID
	return RoleSeller, true
}

func handleMatches(callerHandle, sellerTag string) bool {
	return strings.EqualFold(callerHandle, validation.SanitizeHandle(sellerTag))
}
