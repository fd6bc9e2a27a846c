package plan

// Frequency is the dosage frequency selected per medicine at creation time.
type Frequency string

const (
	OnceMorning     Frequency = "once-morning"
	OnceEvening     Frequency = "once-evening"
	TwiceDaily      Frequency = "twice-daily"
	ThreeTimesDaily Frequency = "three-times-daily"
	FourTimesDaily  Frequency = "four-times-daily"
)

// Expand maps a frequency to its ordered time-of-day slots. Each slot becomes
// one medicine row; the expansion happens once at plan creation and the rows
// are static thereafter. Unrecognized frequencies expand to nothing and are
// rejected as validation failures upstream.
func (f Frequency) Expand() []TimeOfDay {
	switch f {
	case OnceMorning:
		return []TimeOfDay{Morning}
	case OnceEvening:
		return []TimeOfDay{Evening}
	case TwiceDaily:
		return []TimeOfDay{Morning, Evening}
	case ThreeTimesDaily:
		return []TimeOfDay{Morning, Noon, Evening}
	case FourTimesDaily:
		return []TimeOfDay{Morning, Noon, Afternoon, Evening}
	default:
		return nil
	}
}

// Words renders the frequency for the human-readable advice summary.
func (f Frequency) Words() string {
	switch f {
	case OnceMorning:
		return "once daily in the morning"
	case OnceEvening:
		return "once daily in the evening"
	case TwiceDaily:
		return "twice daily"
	case ThreeTimesDaily:
		return "three times daily"
	case FourTimesDaily:
		return "four times daily"
	default:
		return string(f)
	}
}

// Valid reports whether f is a supported frequency.
func (f Frequency) Valid() bool {
	return len(f.Expand()) > 0
}
