package extract

import (
	"fmt"

	"github.com/adwatch/harvester/traffic"
)

// Verdict correlates expected vs. observed artifacts. It is the source of
// truth for success; the session layer merely propagates it.
type Verdict struct {
	Success bool
	Errors  []string
	Result  Result
}

// Validate decides the outcome of one creative's extraction.
//
// Ordering matters: an unidentified creative fails before artifact counting,
// and a complete absence of script bodies is reported distinctly (it is
// usually a network condition, which the error classifier treats as retryable).
func Validate(expected []string, scripts []traffic.ScriptResponse, res Result) Verdict {
	v := Verdict{Result: res}

	if res.RealCreativeID == "" {
		v.Errors = append(v.Errors, "Creative not identified")
		return v
	}

	if res.Static {
		// Static-cached creative: success with no videos; the app-store ID,
		// when present, came from the lookup body.
		v.Success = true
		v.Result.VideoIDs = nil
		return v
	}

	if len(expected) > 0 {
		observed := 0
		set := toSet(expected)
		for _, sr := range scripts {
			if belongs(sr.URL, set) {
				observed++
			}
		}
		if observed == 0 {
			v.Errors = append(v.Errors,
				fmt.Sprintf("Expected %d script bodies but none received", len(expected)))
			return v
		}
		if observed < len(expected) {
			v.Errors = append(v.Errors,
				fmt.Sprintf("incomplete: %d/%d received", observed, len(expected)))
			return v
		}
	}

	if !res.HasArtifacts() {
		// Every declared body arrived, yet nothing was recovered. Completing
		// the row here would make it indistinguishable from a real harvest.
		v.Errors = append(v.Errors, "No artifacts extracted from creative payloads")
		return v
	}

	v.Success = true
	return v
}

// FirstError flattens a verdict's errors into a single message.
func (v Verdict) FirstError() string {
	if len(v.Errors) == 0 {
		return ""
	}
	return v.Errors[0]
}
