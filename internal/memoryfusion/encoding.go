package memoryfusion

import "encoding/json"

func encodeValue(v map[string]interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func decodeValue(raw []byte, dst *map[string]interface{}) error {
	return json.Unmarshal(raw, dst)
}
