package planogram

import (
	"fmt"
	"sort"
)

// Score weights when visual feedback is available for a stage.
const (
	agreementWeight = 0.6
	alignmentWeight = 0.4
)

// selfReportKeys are payload fields a model may use to state its own confidence.
var selfReportKeys = []string{"confidence", "accuracy", "overall_confidence"}

// selfReported returns the model's own confidence, if the payload carries one.
func selfReported(payload map[string]any) (float64, bool) {
	for _, k := range selfReportKeys {
		if v, ok := payload[k].(float64); ok {
			return clamp01(v), true
		}
	}
	return 0, false
}

// CrossAgreement is the fraction of leaf values two payloads share, over the
// union of their leaf paths.
func CrossAgreement(a, b map[string]any) float64 {
	fa, fb := map[string]string{}, map[string]string{}
	flatten("", a, fa)
	flatten("", b, fb)
	if len(fa) == 0 && len(fb) == 0 {
		return 1
	}
	union := len(fa)
	match := 0
	for k, va := range fa {
		if vb, ok := fb[k]; ok && vb == va {
			match++
		}
	}
	for k := range fb {
		if _, ok := fa[k]; !ok {
			union++
		}
	}
	return float64(match) / float64(union)
}

func flatten(prefix string, v any, out map[string]string) {
	switch v := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			if prefix == "" && isSelfReportKey(k) {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			flatten(joinKey(prefix, k), v[k], out)
		}
	case []any:
		if len(v) == 0 {
			out[prefix] = "[]"
		}
		for i, item := range v {
			flatten(fmt.Sprintf("%s[%d]", prefix, i), item, out)
		}
	default:
		out[prefix] = fmt.Sprint(v)
	}
}

func isSelfReportKey(k string) bool {
	for _, s := range selfReportKeys {
		if k == s {
			return true
		}
	}
	return false
}

// stageAgreement blends cross-model agreement between the last two outputs
// with the final model's self-reported confidence. With neither signal the
// stage scores 0 so it cannot complete unverified.
func stageAgreement(outputs []map[string]any) float64 {
	if len(outputs) == 0 {
		return 0
	}
	last := outputs[len(outputs)-1]
	self, hasSelf := selfReported(last)
	if len(outputs) < 2 {
		if hasSelf {
			return self
		}
		return 0
	}
	cross := CrossAgreement(outputs[len(outputs)-2], last)
	if hasSelf {
		return (cross + self) / 2
	}
	return cross
}

// stageScore is monotonic in agreement for a fixed alignment.
func stageScore(agreement float64, alignment *float64) float64 {
	if alignment == nil {
		return clamp01(agreement)
	}
	return clamp01(agreementWeight*agreement + alignmentWeight*(*alignment))
}

// overallAccuracy averages the best score of every configured stage; a stage
// without a result counts as 0.
func overallAccuracy(stages Stages, best map[string]*StageResult) float64 {
	if len(stages) == 0 {
		return 0
	}
	sum := 0.0
	for _, st := range stages {
		if r, ok := best[st.Name]; ok {
			sum += r.Score
		}
	}
	return sum / float64(len(stages))
}
