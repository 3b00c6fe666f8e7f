package cache

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// GenerateKey builds the cache key for a resource and its query parameters.
// Parameter order never affects the key: params are encoded as JSON, which
// sorts object keys at every level.
func GenerateKey(resource string, params map[string]any) string {
	if len(params) == 0 {
		return resource
	}
	data, err := json.Marshal(params)
	if err != nil {
		return resource + ":" + fallbackParams(params)
	}
	return resource + ":" + string(data)
}

// fallbackParams renders params that JSON cannot encode, such as channels or
// NaN floats.
func fallbackParams(params map[string]any) string {
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)

	pairs := make([]string, 0, len(names))
	for _, k := range names {
		pairs = append(pairs, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return "{" + strings.Join(pairs, ",") + "}"
}
