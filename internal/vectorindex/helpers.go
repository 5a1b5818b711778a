package vectorindex

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/qdrant/go-client/qdrant"
)

func splitHostPort(rawURL string) (string, int) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL, 6334
	}
	host := u.Hostname()
	if p := u.Port(); p != "" {
		if port, err := strconv.Atoi(p); err == nil {
			return host, port
		}
	}
	return host, 6334
}

func isSecureScheme(rawURL string) bool {
	return strings.HasPrefix(strings.ToLower(rawURL), "https://")
}

func matchKeyword(key, value string) *qdrant.Condition {
	return qdrant.NewMatch(key, value)
}

func matchAnyKeyword(key string, values []string) *qdrant.Condition {
	return qdrant.NewMatchKeywords(key, values...)
}

func toUint32(in []int) []uint32 {
	out := make([]uint32, len(in))
	for i, v := range in {
		out[i] = uint32(v)
	}
	return out
}

func toFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}

func pointIDString(p *qdrant.ScoredPoint) string {
	id := p.GetId()
	if id == nil {
		return ""
	}
	if n := id.GetNum(); n != 0 {
		return strconv.FormatUint(n, 10)
	}
	return id.GetUuid()
}

func payloadToMap(payload map[string]*qdrant.Value) map[string]interface{} {
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		out[k] = valueToInterface(v)
	}
	return out
}

func stringFromPayload(payload map[string]*qdrant.Value, key string) string {
	if v, ok := payload[key]; ok {
		return v.GetStringValue()
	}
	return ""
}

func valueToInterface(v *qdrant.Value) interface{} {
	switch kind := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	default:
		return nil
	}
}
