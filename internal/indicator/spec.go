package indicator

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Indicator type names. Series are named TYPE_N, e.g. "VOLZ_30".
const (
	TypeSMA     = "SMA"
	TypeEMA     = "EMA"
	TypeSMMA    = "SMMA"
	TypeRSI     = "RSI"
	TypeATR     = "ATR"
	TypeVolMean = "VOLMEAN"
	TypeVolZ    = "VOLZ"
	TypeSlope   = "SLOPE"
	TypeR2      = "R2"
	TypeLinReg  = "LINREG"
	TypeResid   = "RESID"
)

// Spec identifies one indicator instance.
type Spec struct {
	Type   string
	Period int
}

// Name returns the series name.
func (s Spec) Name() string { return seriesName(s.Type, s.Period) }

// ParseSpec accepts "EMA_20", "EMA:20" or "ema20".
func ParseSpec(in string) (Spec, error) {
	s := strings.ToUpper(strings.TrimSpace(in))
	var typ, num string
	if i := strings.IndexAny(s, "_:"); i >= 0 {
		typ, num = s[:i], s[i+1:]
	} else {
		i := strings.IndexFunc(s, func(r rune) bool { return r >= '0' && r <= '9' })
		if i <= 0 {
			return Spec{}, fmt.Errorf("invalid indicator %q", in)
		}
		typ, num = s[:i], s[i:]
	}
	period, err := strconv.Atoi(num)
	if err != nil || period <= 0 {
		return Spec{}, fmt.Errorf("invalid indicator period in %q", in)
	}
	spec := Spec{Type: typ, Period: period}
	if _, err := New(spec); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

// ParseSpecs parses and de-duplicates a list of indicator names, sorted by name.
func ParseSpecs(in []string) ([]Spec, error) {
	seen := make(map[string]Spec, len(in))
	for _, s := range in {
		if strings.TrimSpace(s) == "" {
			continue
		}
		spec, err := ParseSpec(s)
		if err != nil {
			return nil, err
		}
		seen[spec.Name()] = spec
	}
	out := make([]Spec, 0, len(seen))
	for _, s := range seen {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

// New creates a fresh indicator for spec.
func New(spec Spec) (Indicator, error) {
	if spec.Period <= 0 {
		return nil, fmt.Errorf("indicator %s: period must be positive", spec.Name())
	}
	switch spec.Type {
	case TypeSMA:
		return NewSMA(spec.Period), nil
	case TypeEMA:
		return NewEMA(spec.Period), nil
	case TypeSMMA:
		return NewSMMA(spec.Period), nil
	case TypeRSI:
		return NewRSI(spec.Period), nil
	case TypeATR:
		return NewATR(spec.Period), nil
	case TypeVolMean:
		return NewVolMean(spec.Period), nil
	case TypeVolZ:
		if spec.Period < 2 {
			return nil, fmt.Errorf("indicator %s: period must be >= 2", spec.Name())
		}
		return NewVolZ(spec.Period), nil
	case TypeSlope, TypeR2, TypeLinReg, TypeResid:
		if spec.Period < 2 {
			return nil, fmt.Errorf("indicator %s: period must be >= 2", spec.Name())
		}
		return newRegression(spec.Type, spec.Period), nil
	default:
		return nil, fmt.Errorf("unknown indicator type %q", spec.Type)
	}
}
