package invariants

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// ErrRepairedStillMalformed reports that the repaired document does not
// parse, so invariants cannot be checked at all.
var ErrRepairedStillMalformed = errors.New("repaired JSON is still malformed")

// CheckRepair compares a raw (possibly malformed) original document against
// its repaired form. When the original does not parse, comparable values are
// extracted with regexes so the rules still have something to hold the
// repair against.
func CheckRepair(originalJSON, repairedJSON string) ([]Violation, error) {
	var repaired map[string]interface{}
	dec := json.NewDecoder(strings.NewReader(repairedJSON))
	dec.UseNumber()
	if err := dec.Decode(&repaired); err != nil {
		return nil, ErrRepairedStillMalformed
	}

	var original map[string]interface{}
	origDec := json.NewDecoder(strings.NewReader(originalJSON))
	origDec.UseNumber()
	if err := origDec.Decode(&original); err != nil {
		original = ExtractPartial(originalJSON)
	}

	return Check(original, repaired), nil
}

var partialPatterns = []*regexp.Regexp{
	regexp.MustCompile(`"([^"]+)"\s*:\s*"([^"]*)"`),
	regexp.MustCompile(`"([^"]+)"\s*:\s*(\d+\.?\d*)`),
	regexp.MustCompile(`"([^"]+)"\s*:\s*(true|false|null)`),
}

// ExtractPartial scrapes key-value pairs out of a document that failed to
// parse. Only flat string, numeric, boolean, and null values are recovered.
func ExtractPartial(malformed string) map[string]interface{} {
	data := make(map[string]interface{})
	for i, pattern := range partialPatterns {
		for _, m := range pattern.FindAllStringSubmatch(malformed, -1) {
			key, value := m[1], m[2]
			if _, seen := data[key]; seen {
				continue
			}
			switch i {
			case 0:
				data[key] = value
			case 1:
				data[key] = json.Number(value)
			default:
				switch value {
				case "true":
					data[key] = true
				case "false":
					data[key] = false
				default:
					data[key] = nil
				}
			}
		}
	}
	return data
}
