package assoc

import "github.com/medigo/dicomul/types"

// NegotiationPolicy decides the acceptor's verdict on each proposed
// presentation context (spec §4.3's Negotiation policy).
type NegotiationPolicy struct {
	// SupportsAbstractSyntax reports whether the acceptor offers the given
	// abstract syntax (SOP Class UID).
	SupportsAbstractSyntax func(uid string) bool
	// AllowedTransferSyntaxes is the acceptor's set of supported transfer
	// syntaxes, checked in the requestor's proposed order.
	AllowedTransferSyntaxes map[string]bool
}

// Negotiate applies the policy to each proposed context in order: if the
// abstract syntax is unsupported, reply AbstractSyntaxNotSupported; else
// pick the first proposed transfer syntax in the acceptor's allowed set; if
// none match, reply TransferSyntaxesNotSupported; else Acceptance.
func (p NegotiationPolicy) Negotiate(proposed []types.ProposedPresentationContext) []types.AcceptedPresentationContext {
	out := make([]types.AcceptedPresentationContext, 0, len(proposed))
	for _, ctx := range proposed {
		out = append(out, p.negotiateOne(ctx))
	}
	return out
}

func (p NegotiationPolicy) negotiateOne(ctx types.ProposedPresentationContext) types.AcceptedPresentationContext {
	if p.SupportsAbstractSyntax == nil || !p.SupportsAbstractSyntax(ctx.AbstractSyntax) {
		return types.AcceptedPresentationContext{ID: ctx.ID, Result: types.PresentationResultAbstractSyntaxNotSupported}
	}
	for _, ts := range ctx.TransferSyntaxes {
		if p.AllowedTransferSyntaxes[ts] {
			return types.AcceptedPresentationContext{ID: ctx.ID, Result: types.PresentationResultAcceptance, TransferSyntax: ts}
		}
	}
	return types.AcceptedPresentationContext{ID: ctx.ID, Result: types.PresentationResultTransferSyntaxesNotSupported}
}
