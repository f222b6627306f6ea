package scp

import (
	"github.com/medigo/dicomul/assoc"
	"github.com/medigo/dicomul/types"
)

// admissionFunc builds the assoc.AdmissionFunc run before negotiation
// (spec §4.6): decline once max_concurrent_associations is reached, then
// blacklist, whitelist, and called-AE checks, then the
// should_accept_association delegate hook.
func (l *Listener) admissionFunc() assoc.AdmissionFunc {
	return func(calledAE, callingAE types.AETitle) assoc.AdmissionResult {
		if l.cfg.MaxConcurrentAssociations > 0 && l.ActiveAssociations() >= l.cfg.MaxConcurrentAssociations {
			l.reject("max_concurrent_associations")
			return assoc.AdmissionResult{
				Accept: false,
				Result: types.RejectResultTransient,
				Source: types.RejectSourceServiceProviderPresentation,
				Reason: types.RejectReasonLocalLimitExceeded,
			}
		}

		for _, blocked := range l.cfg.Blacklist {
			if blocked == callingAE {
				l.reject("blacklist")
				return assoc.AdmissionResult{
					Accept: false,
					Result: types.RejectResultPermanent,
					Source: types.RejectSourceServiceProviderACSE,
					Reason: types.RejectReasonCallingAETitleNotRecognized,
				}
			}
		}

		if len(l.cfg.Whitelist) > 0 {
			allowed := false
			for _, ae := range l.cfg.Whitelist {
				if ae == callingAE {
					allowed = true
					break
				}
			}
			if !allowed {
				l.reject("whitelist")
				return assoc.AdmissionResult{
					Accept: false,
					Result: types.RejectResultPermanent,
					Source: types.RejectSourceServiceProviderACSE,
					Reason: types.RejectReasonCallingAETitleNotRecognized,
				}
			}
		}

		if l.cfg.Address != "" && calledAE != l.cfg.Address {
			l.reject("called_ae_mismatch")
			return assoc.AdmissionResult{
				Accept: false,
				Result: types.RejectResultPermanent,
				Source: types.RejectSourceServiceProviderACSE,
				Reason: types.RejectReasonCalledAETitleNotRecognized,
			}
		}

		if l.cfg.ShouldAcceptAssociation != nil {
			info := AssociationInfo{CalledAE: calledAE, CallingAE: callingAE}
			if !l.cfg.ShouldAcceptAssociation(info) {
				l.reject("should_accept_association")
				return assoc.AdmissionResult{
					Accept: false,
					Result: types.RejectResultPermanent,
					Source: types.RejectSourceServiceUser,
					Reason: types.RejectReasonNoReasonGiven,
				}
			}
		}

		return assoc.AdmissionResult{Accept: true}
	}
}

func (l *Listener) reject(reason string) {
	l.cfg.Metrics.AssociationRejected(reason)
	l.cfg.Logger.Info().Str("reason", reason).Msg("rejected association during admission")
}
