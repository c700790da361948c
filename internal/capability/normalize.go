package capability

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	mqcontracts "mailshield/contracts/mq"
)

// Score and tag keys accepted from classifier responses, in priority order.
var (
	scoreKeys = []string{"score", "sub_score", "risk_score", "threat_score"}
	tagKeys   = []string{"tags", "categories", "labels"}
)

// sandbox verdict names mapped onto tags.
var verdictTags = map[string]string{
	"malicious":          "malicious",
	"suspicious":         "suspicious",
	"no_specific_threat": "clean",
	"whitelisted":        "clean",
	"clean":              "clean",
}

// Normalize turns an arbitrary classifier response into a Classification.
// Only the tags and one 0-100 score survive; everything else is dropped.
func Normalize(raw []byte) (Classification, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Classification{}, fmt.Errorf("%w: response is not a JSON object: %v", ErrTransientUnavailable, err)
	}

	var out Classification
	found := false
	for _, key := range scoreKeys {
		if v, ok := doc[key].(float64); ok {
			out.Score = mqcontracts.ClampScore(int(math.Round(v)))
			found = true
			break
		}
	}
	if !found {
		return Classification{}, fmt.Errorf("%w: response has no score", ErrTransientUnavailable)
	}

	var tags []string
	for _, key := range tagKeys {
		tags = append(tags, stringsOf(doc[key])...)
	}
	if v, ok := doc["verdict"].(string); ok {
		if tag, ok := verdictTags[strings.ToLower(v)]; ok {
			tags = append(tags, tag)
		} else {
			tags = append(tags, mqcontracts.TagUnknown)
		}
	}
	for i, t := range tags {
		tags[i] = strings.ToLower(strings.TrimSpace(t))
	}
	out.Tags = mqcontracts.NormalizeTags(tags)
	return out, nil
}

func stringsOf(v any) []string {
	switch val := v.(type) {
	case string:
		return []string{val}
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
