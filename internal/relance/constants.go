package relance

// Entity types the default catalog knows about.
const (
	EntityTypeConcert  = "concert"
	EntityTypeContract = "contrat"
	EntityTypeInvoice  = "facture"
)

// Built-in rule keys.
const (
	RuleEnvoyerFormulaire = "envoyer-formulaire"
	RuleValiderFormulaire = "valider-formulaire"
	RuleEnvoyerContrat    = "envoyer-contrat"
	RuleContractOverdue   = "contract-overdue"
	RuleEnvoyerFacture    = "envoyer-facture"
)

// Priorities, lowest first.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// Mutation origins.
const (
	// OriginApplication marks writes made by users or other services.
	OriginApplication = "application"
	// OriginEngine marks the engine's own processed-marker writes.
	OriginEngine = "engine"
	// OriginSweep marks periodic re-evaluations.
	OriginSweep = "sweep"
)

// Completion reasons recorded on relances.
const (
	ReasonResolved       = "resolved"
	ReasonPredicateFalse = "predicate_false"
	ReasonEntityDeleted  = "entity_deleted"
	ReasonDuplicate      = "duplicate"
	ReasonMigrated       = "migrated"
)

// Reasons an incoming mutation is not evaluated.
const (
	SkipOwnWrite   = "own_write"
	SkipSuppressed = "suppressed"
	SkipCooldown   = "cooldown"
)

const (
	// defaultDelayDays applies to rules without an explicit delay.
	defaultDelayDays = 7
	// eventWindowDays is how close an event must be for delays to shrink.
	eventWindowDays = 30
	// eventDateAttribute holds the event date on concert snapshots.
	eventDateAttribute = "date"
)
