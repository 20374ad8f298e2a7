package transform

import (
	"fmt"
	"strconv"
	"time"
)

// unitFactors maps "from|to" unit pairs to multiplication factors.
// Reverse pairs are derived, not listed.
var unitFactors = map[string]float64{
	"mg/dL|mmol/L": 0.0555, // glucose
	"lb|kg":        0.453592,
	"in|cm":        2.54,
	"degF|degC":    0, // handled as affine, see convertUnit
}

// convertUnit converts value between clinical units. Temperature is the
// one affine conversion; everything else is a plain factor.
func convertUnit(value float64, from, to string) (float64, error) {
	if from == to {
		return value, nil
	}
	if from == "degF" && to == "degC" {
		return (value - 32) * 5 / 9, nil
	}
	if from == "degC" && to == "degF" {
		return value*9/5 + 32, nil
	}
	if f, ok := unitFactors[from+"|"+to]; ok && f != 0 {
		return value * f, nil
	}
	if f, ok := unitFactors[to+"|"+from]; ok && f != 0 {
		return value / f, nil
	}
	return 0, fmt.Errorf("no unit conversion from %s to %s", from, to)
}

// toFloat coerces the loosely typed payload values vendors send.
func toFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case string:
		return strconv.ParseFloat(x, 64)
	default:
		return 0, fmt.Errorf("cannot convert %T to float", v)
	}
}

func toInt(v interface{}) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int64:
		return x, nil
	case float64:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return 0, fmt.Errorf("cannot convert %T to int", v)
	}
}

func toString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// convertDate reparses a date string between explicit layouts.
func convertDate(value, sourceLayout, targetLayout string) (string, error) {
	t, err := time.Parse(sourceLayout, value)
	if err != nil {
		return "", fmt.Errorf("parse date %q with layout %q: %w", value, sourceLayout, err)
	}
	return t.Format(targetLayout), nil
}

// CalcFunc is a pure derived-value calculation over source fields.
type CalcFunc func(source map[string]interface{}, now time.Time) (interface{}, error)

// builtinCalcs are available to CALCULATE rules by name.
var builtinCalcs = map[string]CalcFunc{
	"age_from_birthdate": func(source map[string]interface{}, now time.Time) (interface{}, error) {
		raw, ok := source["dateOfBirth"]
		if !ok {
			raw, ok = source["birthDate"]
		}
		if !ok {
			return nil, fmt.Errorf("no birth date field present")
		}
		dob, err := time.Parse("2006-01-02", toString(raw))
		if err != nil {
			return nil, fmt.Errorf("parse birth date: %w", err)
		}
		age := now.Year() - dob.Year()
		if now.YearDay() < dob.YearDay() {
			age--
		}
		return age, nil
	},
	"bmi": func(source map[string]interface{}, _ time.Time) (interface{}, error) {
		w, err := toFloat(source["weightKg"])
		if err != nil {
			return nil, fmt.Errorf("weightKg: %w", err)
		}
		h, err := toFloat(source["heightCm"])
		if err != nil {
			return nil, fmt.Errorf("heightCm: %w", err)
		}
		if h <= 0 {
			return nil, fmt.Errorf("heightCm must be positive")
		}
		m := h / 100
		return w / (m * m), nil
	},
}
