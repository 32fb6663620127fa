package config

import (
	"encoding/json"

	"github.com/tidwall/jsonc"
)

// decodeJSONC strips comments and trailing commas before decoding into v
func decodeJSONC(data []byte, v any) error {
	return json.Unmarshal(jsonc.ToJSON(data), v)
}
