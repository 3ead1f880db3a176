package channels

import "encoding/json"

func unmarshalPayload(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
