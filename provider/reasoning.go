package provider

// Reasoning levels arrive from clients as 1..3. Each vendor family speaks a
// different dialect for them; 0 or any unknown value disables reasoning.

// EffortForLevel maps a reasoning level to an OpenAI-style effort string.
func EffortForLevel(level int) string {
	switch level {
	case 1:
		return "low"
	case 2:
		return "medium"
	case 3:
		return "high"
	default:
		return ""
	}
}

// BudgetForLevel maps a reasoning level to a thinking token budget for
// vendors that meter reasoning by tokens.
func BudgetForLevel(level int) int64 {
	switch level {
	case 1:
		return 1024
	case 2:
		return 8192
	case 3:
		return 24576
	default:
		return 0
	}
}

// GrokEffortForLevel maps a reasoning level to Grok's two-value effort
// scale. Grok has no medium; levels 2 and 3 both map to high.
func GrokEffortForLevel(level int) string {
	switch level {
	case 1:
		return "low"
	case 2, 3:
		return "high"
	default:
		return ""
	}
}
