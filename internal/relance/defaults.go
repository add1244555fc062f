package relance

import (
	"github.com/tourcraft/relances/internal/datastore/v2/entities"
)

// DefaultTypes returns the built-in relance rules. They are seeded by key on
// startup, so a partial seed heals on the next restart.
func DefaultTypes() []entities.RelanceType {
	return []entities.RelanceType{
		{
			Key:         RuleEnvoyerFormulaire,
			Label:       "Envoyer le formulaire",
			Description: "Concert created with its essential fields but no form sent to the organizer",
			Priority:    PriorityHigh,
			AppliesTo:   EntityTypeConcert,
			Predicate: `has(entity.date) && has(entity.lieuId) && has(entity.programmateurId) ` +
				`&& !entity.?formulaireEnvoye.orValue(false)`,
			Resolved:  `entity.?formulaireEnvoye.orValue(false)`,
			DelayDays: 3,
			Enabled:   true,
			BuiltIn:   true,
			SortOrder: 10,
		},
		{
			Key:         RuleValiderFormulaire,
			Label:       "Valider le formulaire",
			Description: "The organizer answered the form and the answers wait for validation",
			Priority:    PriorityHigh,
			AppliesTo:   EntityTypeConcert,
			Predicate:   `entity.?formulaireRecu.orValue(false) && !entity.?formulaireValide.orValue(false)`,
			Resolved:    `entity.?formulaireValide.orValue(false)`,
			DelayDays:   2,
			Enabled:     true,
			BuiltIn:     true,
			SortOrder:   20,
		},
		{
			Key:         RuleEnvoyerContrat,
			Label:       "Envoyer le contrat",
			Description: "Form validated but the contract has not been sent",
			Priority:    PriorityHigh,
			AppliesTo:   EntityTypeConcert,
			Predicate:   `entity.?formulaireValide.orValue(false) && !entity.?contratEnvoye.orValue(false)`,
			Resolved:    `entity.?contratEnvoye.orValue(false)`,
			DelayDays:   5,
			Enabled:     true,
			BuiltIn:     true,
			SortOrder:   30,
		},
		{
			Key:           RuleContractOverdue,
			Label:         "Contrat non signé",
			Description:   "The contract is still unsigned less than ten days before the event",
			Priority:      PriorityHigh,
			AppliesTo:     EntityTypeConcert,
			Predicate:     `!entity.?contratSigne.orValue(false) && has(entity.date) && daysBefore(entity.date, now) < 10`,
			Resolved:      `entity.?contratSigne.orValue(false)`,
			DueAnchor:     eventDateAttribute,
			DueOffsetDays: -7,
			Enabled:       true,
			BuiltIn:       true,
			SortOrder:     40,
		},
		{
			// Invoicing is not tracked on concerts yet; the rule ships disabled.
			Key:          RuleEnvoyerFacture,
			Label:        "Envoyer la facture",
			Description:  "Contract signed but no invoice sent",
			Priority:     PriorityMedium,
			AppliesTo:    EntityTypeConcert,
			Predicate:    `entity.?contratSigne.orValue(false) && !entity.?factureEnvoyee.orValue(false)`,
			Resolved:     `entity.?factureEnvoyee.orValue(false)`,
			EscalateWhen: `has(entity.date) && daysBefore(entity.date, now) < 0`,
			DelayDays:    14,
			Enabled:      false,
			BuiltIn:      true,
			SortOrder:    50,
		},
	}
}
