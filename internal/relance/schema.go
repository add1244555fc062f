package relance

// Schema describes the rule catalog and the attributes its expressions read,
// for the UI.
type Schema struct {
	EntityTypes []EntityTypeSchema `json:"entityTypes"`
	Priorities  []string           `json:"priorities"`
	Functions   []FunctionSchema   `json:"functions"`
}

// EntityTypeSchema lists the rules and known attributes of one entity type.
type EntityTypeSchema struct {
	Name       string            `json:"name"`
	Label      string            `json:"label"`
	Attributes []AttributeSchema `json:"attributes"`
	Rules      []RuleSchema      `json:"rules"`
}

// AttributeSchema describes an attribute usable in rule expressions.
type AttributeSchema struct {
	Name  string `json:"name"`
	Label string `json:"label"`
	Type  string `json:"type"` // "bool", "date", "string"
}

// RuleSchema is the UI view of a compiled rule.
type RuleSchema struct {
	Key          string `json:"key"`
	Label        string `json:"label"`
	Priority     string `json:"priority"`
	Predicate    string `json:"predicate"`
	Resolved     string `json:"resolved,omitempty"`
	EscalateWhen string `json:"escalateWhen,omitempty"`
	DueAnchor    string `json:"dueAnchor,omitempty"`
	DueOffset    int    `json:"dueOffsetDays,omitempty"`
	DelayDays    int    `json:"delayDays,omitempty"`
}

// FunctionSchema documents a custom expression function.
type FunctionSchema struct {
	Name      string `json:"name"`
	Signature string `json:"signature"`
	Doc       string `json:"doc"`
}

// GetSchema returns the schema for the rules in catalog.
func GetSchema(catalog *Catalog) Schema {
	s := Schema{
		Priorities: []string{PriorityLow, PriorityMedium, PriorityHigh},
		Functions: []FunctionSchema{
			{
				Name:      "daysBefore",
				Signature: "daysBefore(date, now) int",
				Doc:       "Whole days from now until date, rounded up; negative once the date has passed.",
			},
		},
	}
	for _, entityType := range catalog.EntityTypes() {
		ts := EntityTypeSchema{
			Name:       entityType,
			Label:      entityTypeLabel(entityType),
			Attributes: knownAttributes(entityType),
		}
		for _, rule := range catalog.ListRulesFor(entityType) {
			ts.Rules = append(ts.Rules, RuleSchema{
				Key:          rule.ID,
				Label:        rule.Label,
				Priority:     rule.Priority,
				Predicate:    rule.Predicate.String(),
				Resolved:     rule.Resolved.String(),
				EscalateWhen: rule.EscalateWhen.String(),
				DueAnchor:    rule.DueAnchor,
				DueOffset:    rule.DueOffsetDays,
				DelayDays:    rule.DelayDays,
			})
		}
		s.EntityTypes = append(s.EntityTypes, ts)
	}
	return s
}

func entityTypeLabel(entityType string) string {
	switch entityType {
	case EntityTypeConcert:
		return "Concert"
	case EntityTypeContract:
		return "Contrat"
	case EntityTypeInvoice:
		return "Facture"
	default:
		return entityType
	}
}

func knownAttributes(entityType string) []AttributeSchema {
	if entityType != EntityTypeConcert {
		return nil
	}
	return []AttributeSchema{
		{Name: "titre", Label: "Titre", Type: "string"},
		{Name: "date", Label: "Date du concert", Type: "date"},
		{Name: "lieuId", Label: "Lieu", Type: "string"},
		{Name: "programmateurId", Label: "Programmateur", Type: "string"},
		{Name: "formulaireEnvoye", Label: "Formulaire envoyé", Type: "bool"},
		{Name: "formulaireRecu", Label: "Formulaire reçu", Type: "bool"},
		{Name: "formulaireValide", Label: "Formulaire validé", Type: "bool"},
		{Name: "contratEnvoye", Label: "Contrat envoyé", Type: "bool"},
		{Name: "contratSigne", Label: "Contrat signé", Type: "bool"},
		{Name: "factureEnvoyee", Label: "Facture envoyée", Type: "bool"},
	}
}
