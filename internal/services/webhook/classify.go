package webhook

// Bands used for spoken and QUERY sensor states. Upper bounds are exclusive:
// exactly 60% moisture is still "needs watering".

func ClassifyMoisture(v float64) string {
	switch {
	case v > 60:
		return "well-watered"
	case v > 30:
		return "needs watering"
	default:
		return "dry"
	}
}

func ClassifyTemperature(v float64) string {
	switch {
	case v > 30:
		return "hot"
	case v > 15:
		return "moderate"
	default:
		return "cold"
	}
}

func ClassifyHumidity(v float64) string {
	switch {
	case v > 70:
		return "high"
	case v > 30:
		return "moderate"
	default:
		return "low"
	}
}
